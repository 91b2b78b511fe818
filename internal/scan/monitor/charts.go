// Package monitor provides debugging visualisations over the scan
// cache: go-echarts chart pages for the debug mux and a gonum/plot PNG
// report generator for batch runs.
package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"math"
	"net/http"
	"sort"
	"strconv"

	"github.com/aphelion-data/transient.watch/internal/scan"
	"github.com/aphelion-data/transient.watch/internal/scandb"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// Viridis ramp for visual maps, shared with the PNG report colors.
var visualMapColors = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// Charts serves HTML chart pages over the cache contents. These are
// debugging-only endpoints (no auth) for eyeballing score distributions
// without a frontend; assets load from the go-echarts CDN.
type Charts struct {
	store *scandb.Store
}

func NewCharts(store *scandb.Store) *Charts {
	return &Charts{store: store}
}

// AttachChartRoutes registers the chart pages on mux.
func (c *Charts) AttachChartRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/charts", c.handleDashboard)
	mux.HandleFunc("/debug/charts/scores", c.handleScoreHistogram)
	mux.HandleFunc("/debug/charts/scatter", c.handleScoreScatter)
	mux.HandleFunc("/debug/charts/images", c.handleCandidateCounts)
}

func (c *Charts) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// chartLimit reads the "limit" query param, bounding how many records a
// chart loads.
func chartLimit(r *http.Request) int {
	limit := 500
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 5000 {
			limit = v
		}
	}
	return limit
}

// loadCandidates flattens the candidates of the most recently updated
// records, up to limit records. Returns the candidates and how many
// records contributed.
func (c *Charts) loadCandidates(limit int) ([]scan.Candidate, int, error) {
	sums, err := c.store.ListSummaries(scandb.ListQuery{Limit: limit})
	if err != nil {
		return nil, 0, err
	}
	var out []scan.Candidate
	for _, sum := range sums {
		rec, err := c.store.GetRecord(sum.Stem)
		if err != nil || rec == nil {
			continue
		}
		out = append(out, rec.Candidates...)
	}
	return out, len(sums), nil
}

// handleScoreHistogram renders a bar chart of the AI score distribution
// across the most recent records.
// Query params:
//   - limit (optional; default 500) records to load
func (c *Charts) handleScoreHistogram(w http.ResponseWriter, r *http.Request) {
	cands, images, err := c.loadCandidates(chartLimit(r))
	if err != nil {
		c.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load candidates: %v", err))
		return
	}

	const bins = 20
	counts := make([]int, bins)
	scored := 0
	for _, cand := range cands {
		if cand.AIScore == nil {
			continue
		}
		b := int(*cand.AIScore * bins)
		if b >= bins {
			b = bins - 1
		}
		if b < 0 {
			b = 0
		}
		counts[b]++
		scored++
	}
	if scored == 0 {
		c.writeJSONError(w, http.StatusNotFound, "no scored candidates in the cache")
		return
	}

	x := make([]string, bins)
	y := make([]opts.BarData, bins)
	for i := 0; i < bins; i++ {
		x[i] = fmt.Sprintf("%.2f", float64(i+1)/bins)
		y[i] = opts.BarData{Value: counts[i]}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "AI Score Distribution", Subtitle: fmt.Sprintf("images=%d scored=%d", images, scored)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("candidates", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		c.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleScoreScatter renders cheap score vs AI score for the most recent
// records, coloured by blob area.
// Query params:
//   - limit (optional; default 500) records to load
func (c *Charts) handleScoreScatter(w http.ResponseWriter, r *http.Request) {
	cands, images, err := c.loadCandidates(chartLimit(r))
	if err != nil {
		c.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load candidates: %v", err))
		return
	}

	data := make([]opts.ScatterData, 0, len(cands))
	maxAbs := 0.0
	maxArea := 0.0
	for _, cand := range cands {
		if cand.AIScore == nil {
			continue
		}
		if math.Abs(cand.CheapScore) > maxAbs {
			maxAbs = math.Abs(cand.CheapScore)
		}
		if cand.Area > maxArea {
			maxArea = cand.Area
		}
		data = append(data, opts.ScatterData{Value: []interface{}{cand.CheapScore, *cand.AIScore, cand.Area}})
	}
	if len(data) == 0 {
		c.writeJSONError(w, http.StatusNotFound, "no scored candidates in the cache")
		return
	}

	// Add a small padding so points at the edges are visible
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}
	if maxArea == 0 {
		maxArea = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Cheap vs AI Score", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Cheap Score vs AI Score", Subtitle: fmt.Sprintf("images=%d candidates=%d", images, len(data))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "Cheap score", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "P(real)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxArea),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: visualMapColors},
		}),
	)
	scatter.AddSeries("candidates", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		c.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleCandidateCounts renders a bar chart of candidate counts for the
// busiest images.
// Query params:
//   - limit (optional; default 30) bars to show
func (c *Charts) handleCandidateCounts(w http.ResponseWriter, r *http.Request) {
	sums, err := c.store.ListSummaries(scandb.ListQuery{})
	if err != nil {
		c.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list images: %v", err))
		return
	}
	if len(sums) == 0 {
		c.writeJSONError(w, http.StatusNotFound, "no records in the cache")
		return
	}

	bars := 30
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 500 {
			bars = v
		}
	}

	sort.Slice(sums, func(i, j int) bool {
		if sums[i].CandidatesCount != sums[j].CandidatesCount {
			return sums[i].CandidatesCount > sums[j].CandidatesCount
		}
		return sums[i].Stem < sums[j].Stem
	})
	total := len(sums)
	if len(sums) > bars {
		sums = sums[:bars]
	}

	x := make([]string, len(sums))
	y := make([]opts.BarData, len(sums))
	for i, sum := range sums {
		x[i] = sum.Stem
		y[i] = opts.BarData{Value: sum.CandidatesCount}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Candidates per Image", Subtitle: fmt.Sprintf("showing %d of %d images", len(sums), total)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("candidates", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		c.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

const chartsDashboardHTML = `<!DOCTYPE html>
<html>
<head>
<title>Scan Cache Charts</title>
<style>
body { background: #111; color: #ddd; font-family: sans-serif; margin: 1em; }
iframe { border: 1px solid #333; background: #111; width: 100%%; height: 760px; margin-bottom: 1em; }
</style>
</head>
<body>
<h1>Scan Cache Charts</h1>
<iframe src="/debug/charts/scores%[1]s"></iframe>
<iframe src="/debug/charts/scatter%[1]s"></iframe>
<iframe src="/debug/charts/images%[1]s"></iframe>
</body>
</html>
`

// handleDashboard renders a single page framing the chart endpoints.
func (c *Charts) handleDashboard(w http.ResponseWriter, r *http.Request) {
	qs := ""
	if l := r.URL.Query().Get("limit"); l != "" {
		if _, err := strconv.Atoi(l); err == nil {
			qs = "?limit=" + l
		}
	}
	doc := fmt.Sprintf(chartsDashboardHTML, html.EscapeString(qs))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(doc))
}
