// Package loss implements the cross-entropy losses used for language
// model training, including a chunked variant that bounds the size of
// the softmax working set for long sequences and large vocabularies.
package loss

import (
	"fmt"
	"math"

	"github.com/moon4sake/sparse-litgpt/pkg/tensor"
)

// IgnoreIndex is the conventional target value excluded from the loss.
const IgnoreIndex = -100

// ChunkedCrossEntropy computes the mean token-level cross entropy
// between logits and integer targets, processing rows in chunks of
// chunkSize to limit peak memory. chunkSize 0 processes everything in
// one pass. The result is numerically identical for any chunk size:
// every chunk contributes a partial (sum, count) pair and the mean is
// taken once at the end, in float64.
//
// Targets equal to ignoreIndex carry zero weight. If every target is
// ignored the loss is 0.
//
// Shapes:
//   - logits: (..., vocab) with len(targets) rows
//   - targets: one class index per logits row
func ChunkedCrossEntropy(logits *tensor.Tensor, targets []int, chunkSize, ignoreIndex int) (float32, error) {
	vocab := logits.Shape[len(logits.Shape)-1]
	rows := len(logits.Data) / vocab
	if rows != len(targets) {
		return 0, fmt.Errorf("got %d logit rows but %d targets", rows, len(targets))
	}
	if chunkSize < 0 {
		return 0, fmt.Errorf("chunk size must be non-negative, got %d", chunkSize)
	}
	if chunkSize == 0 {
		chunkSize = rows
	}

	var sum float64
	var count int

	for start := 0; start < rows; start += chunkSize {
		end := start + chunkSize
		if end > rows {
			end = rows
		}
		s, c, err := sumCrossEntropy(logits.Data[start*vocab:end*vocab], targets[start:end], vocab, ignoreIndex)
		if err != nil {
			return 0, err
		}
		sum += s
		count += c
	}

	if count == 0 {
		return 0, nil
	}
	return float32(sum / float64(count)), nil
}

// ChunkedCrossEntropyPre computes the same loss over logits that are
// already split into chunks, paired with per-chunk target slices. This
// matches pipelines that produce per-segment logits and avoids
// concatenating them first. chunkSize subdivides each chunk's rows the
// same way ChunkedCrossEntropy does; 0 processes every chunk whole.
func ChunkedCrossEntropyPre(chunks []*tensor.Tensor, targetChunks [][]int, chunkSize, ignoreIndex int) (float32, error) {
	if len(chunks) != len(targetChunks) {
		return 0, fmt.Errorf("got %d logit chunks but %d target chunks", len(chunks), len(targetChunks))
	}
	if chunkSize < 0 {
		return 0, fmt.Errorf("chunk size must be non-negative, got %d", chunkSize)
	}

	var sum float64
	var count int

	for i, chunk := range chunks {
		vocab := chunk.Shape[len(chunk.Shape)-1]
		rows := len(chunk.Data) / vocab
		if rows != len(targetChunks[i]) {
			return 0, fmt.Errorf("chunk %d has %d rows but %d targets", i, rows, len(targetChunks[i]))
		}

		step := chunkSize
		if step == 0 {
			step = rows
		}
		for start := 0; start < rows; start += step {
			end := start + step
			if end > rows {
				end = rows
			}
			s, c, err := sumCrossEntropy(chunk.Data[start*vocab:end*vocab], targetChunks[i][start:end], vocab, ignoreIndex)
			if err != nil {
				return 0, err
			}
			sum += s
			count += c
		}
	}

	if count == 0 {
		return 0, nil
	}
	return float32(sum / float64(count)), nil
}

// sumCrossEntropy returns the summed negative log likelihood and the
// number of contributing rows.
func sumCrossEntropy(data []float32, targets []int, vocab, ignoreIndex int) (float64, int, error) {
	var sum float64
	var count int

	for r, target := range targets {
		if target == ignoreIndex {
			continue
		}
		if target < 0 || target >= vocab {
			return 0, 0, fmt.Errorf("target %d out of vocab range [0, %d)", target, vocab)
		}

		row := data[r*vocab : (r+1)*vocab]
		sum += nll(row, target)
		count++
	}
	return sum, count, nil
}

// nll computes -log softmax(row)[target] via log-sum-exp.
func nll(row []float32, target int) float64 {
	maxVal := row[0]
	for _, v := range row {
		if v > maxVal {
			maxVal = v
		}
	}
	var lse float64
	for _, v := range row {
		lse += math.Exp(float64(v - maxVal))
	}
	return math.Log(lse) + float64(maxVal) - float64(row[target])
}

// SoftmaxCrossEntropyGrad computes the mean cross entropy and its
// gradient with respect to the logits (softmax minus one-hot, divided
// by the number of contributing rows). Ignored rows get a zero
// gradient. When every target is ignored, the loss and the gradient
// are both zero.
func SoftmaxCrossEntropyGrad(logits *tensor.Tensor, targets []int, ignoreIndex int) (float32, *tensor.Tensor, error) {
	vocab := logits.Shape[len(logits.Shape)-1]
	rows := len(logits.Data) / vocab
	if rows != len(targets) {
		return 0, nil, fmt.Errorf("got %d logit rows but %d targets", rows, len(targets))
	}

	count := 0
	for _, t := range targets {
		if t != ignoreIndex {
			count++
		}
	}

	dlogits := tensor.NewTensor(logits.Shape)
	if count == 0 {
		return 0, dlogits, nil
	}

	var sum float64
	inv := 1.0 / float64(count)

	for r, target := range targets {
		if target == ignoreIndex {
			continue
		}
		if target < 0 || target >= vocab {
			return 0, nil, fmt.Errorf("target %d out of vocab range [0, %d)", target, vocab)
		}

		row := logits.Data[r*vocab : (r+1)*vocab]
		grad := dlogits.Data[r*vocab : (r+1)*vocab]

		maxVal := row[0]
		for _, v := range row {
			if v > maxVal {
				maxVal = v
			}
		}
		var lse float64
		for _, v := range row {
			lse += math.Exp(float64(v - maxVal))
		}

		for v, l := range row {
			p := math.Exp(float64(l-maxVal)) / lse
			grad[v] = float32(p * inv)
		}
		grad[target] -= float32(inv)

		sum += math.Log(lse) + float64(maxVal) - float64(row[target])
	}

	return float32(sum * inv), dlogits, nil
}
