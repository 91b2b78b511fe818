package scan

import (
	"errors"
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
)

// Input geometry the classifier network was trained with.
const (
	classifierInputSize = 224
	classifierClasses   = 2
)

// Per-plane normalisation constants from classifier training, in
// diff/new/ref plane order.
var (
	classifierMean = [3]float32{0.26016232, 0.26829290, 0.26861570}
	classifierStd  = [3]float32{0.09133092, 0.10773878, 0.10867912}
)

// Classifier scores candidate patches. Scores returns the probability
// that each patch is a real transient, in patch order. Implementations
// are not required to be safe for concurrent calls; the pipeline issues
// inference from a single goroutine.
type Classifier interface {
	Scores(patches []Patch) ([]float64, error)

	// VerifyReady performs a dry-run forward pass so a broken model or
	// runtime fails before any image work is queued.
	VerifyReady() error

	Close() error
}

// UnconfiguredClassifier stands in when no model path is set. The
// review API keeps working; any scan attempt fails fast at the
// readiness check.
type UnconfiguredClassifier struct{}

func (UnconfiguredClassifier) Scores(patches []Patch) ([]float64, error) {
	return nil, errors.New("no classifier model configured")
}

func (UnconfiguredClassifier) VerifyReady() error {
	return errors.New("no classifier model configured")
}

func (UnconfiguredClassifier) Close() error { return nil }

// preprocessPatch resizes each plane of p to the classifier input size,
// scales to [0,1] and normalises, writing CHW float32 into dst. dst must
// hold 3*classifierInputSize² values.
func preprocessPatch(p Patch, dst []float32) {
	const n = classifierInputSize * classifierInputSize
	for c := 0; c < 3; c++ {
		resized := resizePlane(p.Planes[c], p.Size)
		mean, std := classifierMean[c], classifierStd[c]
		out := dst[c*n : (c+1)*n]
		for i, v := range resized.Pix {
			out[i] = (float32(v)/255 - mean) / std
		}
	}
}

func resizePlane(plane []uint8, size int) *image.Gray {
	src := &image.Gray{Pix: plane, Stride: size, Rect: image.Rect(0, 0, size, size)}
	dst := image.NewGray(image.Rect(0, 0, classifierInputSize, classifierInputSize))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// batchTensor lays a batch of patches out as NCHW float32, ready for the
// classifier input tensor.
func batchTensor(patches []Patch) []float32 {
	per := 3 * classifierInputSize * classifierInputSize
	data := make([]float32, len(patches)*per)
	for i, p := range patches {
		preprocessPatch(p, data[i*per:(i+1)*per])
	}
	return data
}

// softmaxPositive converts one row of two-class logits into the
// probability of the positive (transient) class.
func softmaxPositive(logits []float32) float64 {
	maxv := logits[0]
	for _, v := range logits[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	exps := make([]float64, len(logits))
	for i, v := range logits {
		exps[i] = math.Exp(float64(v - maxv))
		sum += exps[i]
	}
	return exps[1] / sum
}
