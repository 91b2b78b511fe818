package scan

// applyCrowdPenalty suppresses dense clusters of confident detections.
// When more than p.CrowdHighCount candidates score at or above
// p.CrowdHighScore, every such score is reduced by p.CrowdHighPenalty,
// clamped at zero. Lower scores are untouched.
func applyCrowdPenalty(cands []Candidate, p Params) {
	high := 0
	for i := range cands {
		if cands[i].AIScore != nil && *cands[i].AIScore >= p.CrowdHighScore {
			high++
		}
	}
	if high <= p.CrowdHighCount {
		return
	}
	for i := range cands {
		if cands[i].AIScore == nil || *cands[i].AIScore < p.CrowdHighScore {
			continue
		}
		v := *cands[i].AIScore - p.CrowdHighPenalty
		if v < 0 {
			v = 0
		}
		cands[i].AIScore = &v
	}
}

// mergePrior folds previously persisted manual or verdict-bearing
// candidates into a freshly computed set. A prior candidate matching an
// output candidate within tol pixels on both axes (strict) transfers its
// verdict and saved flag onto the match; unmatched priors are appended
// unchanged. Priors appended earlier take part in matching for later
// ones, so duplicates among priors collapse too.
func mergePrior(fresh, prior []Candidate, tol int) []Candidate {
	out := fresh
	for _, ec := range prior {
		if !ec.Protected() {
			continue
		}
		matched := false
		for i := range out {
			if absInt(out[i].X-ec.X) < tol && absInt(out[i].Y-ec.Y) < tol {
				matched = true
				if ec.HasVerdict() {
					out[i].Verdict = ec.Verdict
					out[i].IsSaved = ec.IsSaved
				}
				break
			}
		}
		if !matched {
			out = append(out, ec)
		}
	}
	return out
}

// protectedPriors returns the manual or verdict-bearing candidates of a
// stored set. When recomputation finds nothing for an image, these are
// carried forward as the image's whole candidate list.
func protectedPriors(prior []Candidate) []Candidate {
	var kept []Candidate
	for _, ec := range prior {
		if ec.Protected() {
			kept = append(kept, ec)
		}
	}
	return kept
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
