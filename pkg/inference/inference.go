// Package inference defines the numeric model capabilities the pipeline
// consumes and the classification step built on top of them.
package inference

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"

	"github.com/menta2k/leafscan/pkg/processing"
	"github.com/menta2k/leafscan/pkg/types"
)

// ErrEmptyOutput is returned when a model produces no values
var ErrEmptyOutput = errors.New("model returned empty output")

// DetectorModel runs the leaf detector on a preprocessed [1,3,S,S] tensor
type DetectorModel interface {
	RunDetector(ctx context.Context, input types.InputTensor) (types.RawDetectionTensor, error)
}

// ClassifierModel runs the disease classifier on a preprocessed crop and
// returns one probability per class
type ClassifierModel interface {
	RunClassifier(ctx context.Context, input types.InputTensor) ([]float32, error)
}

// Classifier turns a crop into a ClassificationResult
type Classifier struct {
	model     ClassifierModel
	labels    []string
	inputSize int
	threshold float32
}

// NewClassifier creates a classifier. Results whose confidence is below
// threshold are flagged Uncertain.
func NewClassifier(model ClassifierModel, labels []string, inputSize int, threshold float32) *Classifier {
	return &Classifier{
		model:     model,
		labels:    labels,
		inputSize: inputSize,
		threshold: threshold,
	}
}

// Classify prepares crop, runs the classifier and picks the best class
func (c *Classifier) Classify(ctx context.Context, crop image.Image) (*types.ClassificationResult, error) {
	return Classify(ctx, c.model, crop, c.labels, c.inputSize, c.threshold)
}

// Classify runs model on crop stretched to inputSize x inputSize
func Classify(ctx context.Context, model ClassifierModel, crop image.Image, labels []string, inputSize int, threshold float32) (*types.ClassificationResult, error) {
	input, err := processing.ToTensor(crop, inputSize)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare classifier input: %w", err)
	}

	probs, err := model.RunClassifier(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("classifier failed: %w", err)
	}
	if len(probs) == 0 {
		return nil, ErrEmptyOutput
	}

	idx, conf := ArgMax(probs)
	return &types.ClassificationResult{
		Label:         Label(labels, idx),
		ClassIndex:    idx,
		Confidence:    conf,
		Probabilities: probs,
		Uncertain:     conf < threshold,
	}, nil
}

// ArgMax returns the index and value of the largest element. The lowest
// index wins ties.
func ArgMax(values []float32) (int, float32) {
	best, bestVal := 0, values[0]
	for i := 1; i < len(values); i++ {
		if values[i] > bestVal {
			best, bestVal = i, values[i]
		}
	}
	return best, bestVal
}

// Label returns labels[idx] or class_<idx> when the list is too short
func Label(labels []string, idx int) string {
	if idx >= 0 && idx < len(labels) && labels[idx] != "" {
		return labels[idx]
	}
	return fmt.Sprintf("class_%d", idx)
}

// LoadLabels reads a newline-delimited labels file, skipping blank lines
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels file: %w", err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		labels = append(labels, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read labels file: %w", err)
	}
	return labels, nil
}
