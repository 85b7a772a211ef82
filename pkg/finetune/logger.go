package finetune

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// MetricsPath is the metrics file location below the output directory.
var MetricsPath = filepath.Join("logs", "csv", "version_0", "metrics.csv")

// CSVLogger writes one metrics row per optimizer step and one per
// validation pass to logs/csv/version_0/metrics.csv.
type CSVLogger struct {
	f *os.File
	w *csv.Writer
}

// NewCSVLogger creates the metrics file (and its directories) under
// outDir and writes the header row.
func NewCSVLogger(outDir string) (*CSVLogger, error) {
	path := filepath.Join(outDir, MetricsPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metrics directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics file: %w", err)
	}

	l := &CSVLogger{f: f, w: csv.NewWriter(f)}
	if err := l.w.Write([]string{"step", "loss", "learning_rate", "val_loss"}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write metrics header: %w", err)
	}
	return l, nil
}

// LogStep records the training loss and learning rate for one step.
func (l *CSVLogger) LogStep(step int, loss, lr float32) error {
	return l.write([]string{
		strconv.Itoa(step),
		formatFloat(loss),
		formatFloat(lr),
		"",
	})
}

// LogVal records a validation loss measured after the given step.
func (l *CSVLogger) LogVal(step int, valLoss float32) error {
	return l.write([]string{
		strconv.Itoa(step),
		"",
		"",
		formatFloat(valLoss),
	})
}

func (l *CSVLogger) write(row []string) error {
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("failed to write metrics row: %w", err)
	}
	l.w.Flush()
	return l.w.Error()
}

// Close flushes and closes the metrics file.
func (l *CSVLogger) Close() error {
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

func formatFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', -1, 32)
}
