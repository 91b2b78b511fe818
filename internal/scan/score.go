package scan

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Cheap-score weights. Rise dominates; area is penalised by its absolute
// deviation because very small and very large blobs are both suspect.
const (
	weightRise        = 2.0
	weightContrast    = 1.0
	weightSharpness   = 0.5
	weightAreaPenalty = 0.3

	zClip = 5.0

	// below this candidate count the robust statistics are too noisy
	// and the rise alone ranks better
	robustZMinCount = 5
)

// ComputeCheapScores fills CheapScore for every candidate in place. In
// robust_z mode with more than robustZMinCount candidates the score is a
// weighted sum of clipped median/MAD z-scores; otherwise it is the raw
// rise.
func ComputeCheapScores(cands []Candidate, mode string) {
	if len(cands) == 0 {
		return
	}
	if mode != CheapModeRobustZ || len(cands) <= robustZMinCount {
		for i := range cands {
			cands[i].CheapScore = cands[i].Rise
		}
		return
	}

	rises := make([]float64, len(cands))
	conts := make([]float64, len(cands))
	sharps := make([]float64, len(cands))
	areas := make([]float64, len(cands))
	for i := range cands {
		rises[i] = cands[i].Rise
		conts[i] = cands[i].Contrast
		sharps[i] = cands[i].Sharpness
		areas[i] = cands[i].Area
	}

	zRise := robustZ(rises)
	zCont := robustZ(conts)
	zSharp := robustZ(sharps)
	zArea := robustZ(areas)

	for i := range cands {
		cands[i].CheapScore = weightRise*zRise[i] +
			weightContrast*zCont[i] +
			weightSharpness*zSharp[i] -
			weightAreaPenalty*math.Abs(zArea[i])
	}
}

// SelectTopK reduces candidates to the bounded review set. In union mode
// it merges the top-K lists ranked independently by cheap score, rise and
// contrast, deduplicated by coordinate with the first occurrence winning;
// otherwise a single top-K cut by cheap score applies.
func SelectTopK(cands []Candidate, p Params) []Candidate {
	if len(cands) == 0 {
		return nil
	}
	byCheap := func(c *Candidate) float64 { return c.CheapScore }
	if !p.TopKUnion {
		return topKBy(cands, p.TopKCheap, byCheap)
	}

	merged := topKBy(cands, p.TopKCheap, byCheap)
	merged = append(merged, topKBy(cands, p.TopKRise, func(c *Candidate) float64 { return c.Rise })...)
	merged = append(merged, topKBy(cands, p.TopKContrast, func(c *Candidate) float64 { return c.Contrast })...)

	seen := make(map[[2]int]bool, len(merged))
	out := make([]Candidate, 0, len(merged))
	for _, c := range merged {
		key := [2]int{c.X, c.Y}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// topKBy returns the k highest candidates under key, ties keeping input
// order.
func topKBy(cands []Candidate, k int, key func(*Candidate) float64) []Candidate {
	if k <= 0 {
		return nil
	}
	s := make([]Candidate, len(cands))
	copy(s, cands)
	sort.SliceStable(s, func(i, j int) bool { return key(&s[i]) > key(&s[j]) })
	if len(s) > k {
		s = s[:k]
	}
	return s
}

// robustZ returns clipped median/MAD z-scores for values. The epsilon
// keeps a collapsed MAD from dividing by zero; any real deviation then
// saturates at the clip bound.
func robustZ(values []float64) []float64 {
	med := median(values)
	z := make([]float64, len(values))
	abs := make([]float64, len(values))
	for i, v := range values {
		z[i] = v - med
		abs[i] = math.Abs(z[i])
	}
	scale := 1.4826*median(abs) + 1e-9
	for i := range z {
		z[i] = clipZ(z[i] / scale)
	}
	return z
}

func median(values []float64) float64 {
	s := make([]float64, len(values))
	copy(s, values)
	sort.Float64s(s)
	return stat.Quantile(0.5, stat.Empirical, s, nil)
}

func clipZ(v float64) float64 {
	if v > zClip {
		return zClip
	}
	if v < -zClip {
		return -zClip
	}
	return v
}
