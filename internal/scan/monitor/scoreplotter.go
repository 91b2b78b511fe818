package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aphelion-data/transient.watch/internal/scan"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// Series colors per verdict class, reused across the class scatters.
var classColors = map[string]color.Color{
	scan.VerdictReal:  color.RGBA{R: 0x35, G: 0xb7, B: 0x79, A: 255},
	scan.VerdictBogus: color.RGBA{R: 0xff, G: 0x52, B: 0x52, A: 255},
	"unjudged":        color.RGBA{R: 0x9e, G: 0x9e, B: 0x9e, A: 255},
}

// maxCountBars caps the candidates-per-image bar chart so stem labels
// stay readable.
const maxCountBars = 30

// ScoreSample is one candidate's scores and features at run completion.
type ScoreSample struct {
	Stem       string
	CheapScore float64
	AIScore    float64
	HasAI      bool
	Area       float64
	Contrast   float64
	Rise       float64
	IsManual   bool
	Verdict    string
}

// ScorePlotter accumulates candidate score and feature samples over a
// batch run and renders them as PNG report plots. Enable with Start
// before the run and call GeneratePlots after it completes.
type ScorePlotter struct {
	mu        sync.Mutex
	enabled   bool
	outputDir string
	samples   []ScoreSample
}

func NewScorePlotter() *ScorePlotter {
	return &ScorePlotter{}
}

// Start clears accumulated samples and directs output to outputDir,
// creating the directory if needed.
func (sp *ScorePlotter) Start(outputDir string) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create plot directory: %w", err)
	}

	sp.outputDir = outputDir
	sp.enabled = true
	sp.samples = nil
	return nil
}

// Stop disables sampling. Accumulated samples are kept so GeneratePlots
// can still run.
func (sp *ScorePlotter) Stop() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.enabled = false
}

// IsEnabled reports whether the plotter is currently recording.
func (sp *ScorePlotter) IsEnabled() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.enabled
}

// GetOutputDir returns the directory plots will be written to.
func (sp *ScorePlotter) GetOutputDir() string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.outputDir
}

// GetSampleCount returns the number of accumulated samples.
func (sp *ScorePlotter) GetSampleCount() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.samples)
}

// Sample records the final candidates of one image. No-op unless the
// plotter has been started.
func (sp *ScorePlotter) Sample(stem string, cands []scan.Candidate) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if !sp.enabled {
		return
	}
	for _, cand := range cands {
		s := ScoreSample{
			Stem:       stem,
			CheapScore: cand.CheapScore,
			Area:       cand.Area,
			Contrast:   cand.Contrast,
			Rise:       cand.Rise,
			IsManual:   cand.IsManual,
			Verdict:    cand.Verdict,
		}
		if cand.AIScore != nil {
			s.AIScore = *cand.AIScore
			s.HasAI = true
		}
		sp.samples = append(sp.samples, s)
	}
}

// SampleResults records every image of a completed run.
func (sp *ScorePlotter) SampleResults(results map[string]scan.ImageResult) {
	for stem, res := range results {
		sp.Sample(stem, res.Candidates)
	}
}

// GeneratePlots renders the report PNGs into the output directory and
// returns how many files were written. Plots with nothing to draw are
// skipped; no samples at all is not an error.
func (sp *ScorePlotter) GeneratePlots() (int, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.outputDir == "" {
		return 0, fmt.Errorf("no output directory configured")
	}
	if len(sp.samples) == 0 {
		return 0, nil
	}

	plots := []struct {
		name   string
		render func(string) (bool, error)
	}{
		{"ai_score_hist.png", sp.plotScoreHistogram},
		{"cheap_vs_ai.png", sp.plotCheapVsAI},
		{"feature_space.png", sp.plotFeatureSpace},
		{"candidates_per_image.png", sp.plotImageCounts},
	}

	written := 0
	for _, pl := range plots {
		ok, err := pl.render(filepath.Join(sp.outputDir, pl.name))
		if err != nil {
			return written, fmt.Errorf("%s: %w", pl.name, err)
		}
		if ok {
			written++
		}
	}
	return written, nil
}

// plotScoreHistogram draws the distribution of AI scores.
func (sp *ScorePlotter) plotScoreHistogram(file string) (bool, error) {
	vals := make(plotter.Values, 0, len(sp.samples))
	for _, s := range sp.samples {
		if s.HasAI {
			vals = append(vals, s.AIScore)
		}
	}
	if len(vals) == 0 {
		return false, nil
	}

	p := plot.New()
	p.Title.Text = "AI Score Distribution"
	p.X.Label.Text = "P(real)"
	p.Y.Label.Text = "Candidates"
	p.X.Min = 0
	p.X.Max = 1

	h, err := plotter.NewHist(vals, 20)
	if err != nil {
		return false, err
	}
	h.FillColor = color.RGBA{R: 0x31, G: 0x68, B: 0x8e, A: 255}
	p.Add(h)

	if err := p.Save(10*vg.Inch, 6*vg.Inch, file); err != nil {
		return false, fmt.Errorf("failed to save histogram: %w", err)
	}
	return true, nil
}

// plotCheapVsAI draws cheap score against AI score, one series per
// verdict class.
func (sp *ScorePlotter) plotCheapVsAI(file string) (bool, error) {
	byClass := make(map[string]plotter.XYs)
	for _, s := range sp.samples {
		if !s.HasAI {
			continue
		}
		cls := classOf(s)
		byClass[cls] = append(byClass[cls], plotter.XY{X: s.CheapScore, Y: s.AIScore})
	}
	if len(byClass) == 0 {
		return false, nil
	}

	p := plot.New()
	p.Title.Text = "Cheap Score vs AI Score"
	p.X.Label.Text = "Cheap score"
	p.Y.Label.Text = "P(real)"
	p.Y.Min = 0
	p.Y.Max = 1

	if err := addClassScatters(p, byClass); err != nil {
		return false, err
	}

	if err := p.Save(8*vg.Inch, 8*vg.Inch, file); err != nil {
		return false, fmt.Errorf("failed to save scatter: %w", err)
	}
	return true, nil
}

// plotFeatureSpace draws rise against contrast, one series per verdict
// class.
func (sp *ScorePlotter) plotFeatureSpace(file string) (bool, error) {
	byClass := make(map[string]plotter.XYs)
	for _, s := range sp.samples {
		cls := classOf(s)
		byClass[cls] = append(byClass[cls], plotter.XY{X: s.Rise, Y: s.Contrast})
	}
	if len(byClass) == 0 {
		return false, nil
	}

	p := plot.New()
	p.Title.Text = "Feature Space"
	p.X.Label.Text = "Rise"
	p.Y.Label.Text = "Contrast"

	if err := addClassScatters(p, byClass); err != nil {
		return false, err
	}

	if err := p.Save(8*vg.Inch, 8*vg.Inch, file); err != nil {
		return false, fmt.Errorf("failed to save scatter: %w", err)
	}
	return true, nil
}

// plotImageCounts draws candidate counts for the busiest images.
func (sp *ScorePlotter) plotImageCounts(file string) (bool, error) {
	counts := make(map[string]int)
	for _, s := range sp.samples {
		counts[s.Stem]++
	}
	stems := make([]string, 0, len(counts))
	for stem := range counts {
		stems = append(stems, stem)
	}
	sort.Slice(stems, func(i, j int) bool {
		if counts[stems[i]] != counts[stems[j]] {
			return counts[stems[i]] > counts[stems[j]]
		}
		return stems[i] < stems[j]
	})
	if len(stems) > maxCountBars {
		stems = stems[:maxCountBars]
	}

	vals := make(plotter.Values, len(stems))
	for i, stem := range stems {
		vals[i] = float64(counts[stem])
	}

	p := plot.New()
	p.Title.Text = "Candidates per Image"
	p.Y.Label.Text = "Candidates"

	bars, err := plotter.NewBarChart(vals, vg.Points(12))
	if err != nil {
		return false, err
	}
	bars.LineStyle.Width = vg.Length(0)
	bars.Color = color.RGBA{R: 0x26, G: 0x82, B: 0x8e, A: 255}
	p.Add(bars)
	p.NominalX(stems...)

	if err := p.Save(14*vg.Inch, 6*vg.Inch, file); err != nil {
		return false, fmt.Errorf("failed to save bar chart: %w", err)
	}
	return true, nil
}

func classOf(s ScoreSample) string {
	switch s.Verdict {
	case scan.VerdictReal, scan.VerdictBogus:
		return s.Verdict
	default:
		return "unjudged"
	}
}

// addClassScatters adds one scatter series per verdict class in a fixed
// order so legends match across plots.
func addClassScatters(p *plot.Plot, byClass map[string]plotter.XYs) error {
	for _, cls := range []string{scan.VerdictReal, scan.VerdictBogus, "unjudged"} {
		pts, ok := byClass[cls]
		if !ok || len(pts) == 0 {
			continue
		}
		s, err := plotter.NewScatter(pts)
		if err != nil {
			return err
		}
		s.GlyphStyle.Color = classColors[cls]
		s.GlyphStyle.Radius = vg.Points(2.5)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(s)
		p.Legend.Add(cls, s)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return nil
}
