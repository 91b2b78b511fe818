package scan

import "fmt"

// InferenceItem joins one patch to its source candidate between patch
// construction and batch flush. Items are never persisted.
type InferenceItem struct {
	Stem    string
	CandIdx int
	Patch   Patch
}

type pendingImage struct {
	candidates []Candidate
	cropRect   *CropRect
	remaining  int
}

// FinalizeFunc receives an image's candidates once the classifier has
// scored the last of them.
type FinalizeFunc func(stem string, cands []Candidate, crop *CropRect)

// Batcher accumulates patches across many images and issues fixed-size
// classifier calls, scattering probabilities back onto the source
// candidates. A single goroutine must own it; inference is serialised by
// construction.
type Batcher struct {
	classifier Classifier
	chunk      int
	finalize   FinalizeFunc

	queue   []InferenceItem
	pending map[string]*pendingImage
}

func NewBatcher(classifier Classifier, chunk int, finalize FinalizeFunc) *Batcher {
	if chunk < 1 {
		chunk = 1
	}
	return &Batcher{
		classifier: classifier,
		chunk:      chunk,
		finalize:   finalize,
		pending:    make(map[string]*pendingImage),
	}
}

// Add registers an image's candidates and queues their patches, then
// flushes as many full chunks as are available. Images with no
// candidates never enter the batcher; callers handle those directly.
func (b *Batcher) Add(stem string, cands []Candidate, crop *CropRect, patches []Patch) error {
	if len(cands) == 0 || len(patches) != len(cands) {
		return fmt.Errorf("batch add %s: %d candidates with %d patches", stem, len(cands), len(patches))
	}
	b.pending[stem] = &pendingImage{candidates: cands, cropRect: crop, remaining: len(cands)}
	for i, p := range patches {
		b.queue = append(b.queue, InferenceItem{Stem: stem, CandIdx: i, Patch: p})
	}
	return b.flush(false)
}

// FlushAll drains every queued patch regardless of chunk fill.
func (b *Batcher) FlushAll() error {
	return b.flush(true)
}

// QueueLen returns the number of patches awaiting inference.
func (b *Batcher) QueueLen() int { return len(b.queue) }

// PendingImages returns the number of images awaiting finalization.
func (b *Batcher) PendingImages() int { return len(b.pending) }

func (b *Batcher) flush(force bool) error {
	for len(b.queue) >= b.chunk || (force && len(b.queue) > 0) {
		n := b.chunk
		if len(b.queue) < n {
			n = len(b.queue)
		}
		batch := b.queue[:n:n]
		b.queue = b.queue[n:]

		patches := make([]Patch, n)
		for i, it := range batch {
			patches[i] = it.Patch
		}
		scores, err := b.classifier.Scores(patches)
		if err != nil {
			return fmt.Errorf("inference batch of %d: %w", n, err)
		}
		if len(scores) != n {
			return fmt.Errorf("classifier returned %d scores for %d patches", len(scores), n)
		}

		for _, stem := range b.scatter(batch, scores) {
			img := b.pending[stem]
			delete(b.pending, stem)
			b.finalize(stem, img.candidates, img.cropRect)
		}
	}
	return nil
}

// scatter writes scores onto their source candidates and returns the
// stems whose last candidate was just scored.
func (b *Batcher) scatter(batch []InferenceItem, scores []float64) []string {
	var completed []string
	for i, it := range batch {
		img := b.pending[it.Stem]
		s := scores[i]
		img.candidates[it.CandIdx].AIScore = &s
		img.remaining--
		if img.remaining == 0 {
			completed = append(completed, it.Stem)
		}
	}
	return completed
}
