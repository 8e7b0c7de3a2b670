package detector

import (
	"fmt"
	"strings"
)

// Weights are the per-detector fusion weights, expected to sum to 1.
type Weights struct {
	Keyword     float64
	DOM         float64
	API         float64
	Fingerprint float64
}

func (w Weights) of(name string) float64 {
	switch name {
	case "keyword":
		return w.Keyword
	case "dom":
		return w.DOM
	case "api":
		return w.API
	case "fingerprint":
		return w.Fingerprint
	}
	return 0
}

// Fused is the combined verdict for one check.
type Fused struct {
	Verdict     Verdict
	Confidence  float64
	Evidence    string
	Fingerprint string
	Endpoint    string
	PageChanged bool
}

// A high-confidence API answer overrides the scraping detectors outright.
const apiOverrideConfidence = 0.85

// Fuse combines detector results into one verdict. Decisive detectors vote
// with weight*confidence per side; a changed fingerprint adds a small nudge
// away from the previous stored status. A winner below threshold, or a tie,
// is inconclusive.
func Fuse(in Input, results []Result, w Weights, threshold float64) Fused {
	out := Fused{Verdict: Inconclusive}
	var evidence []string

	var api *Result
	for i := range results {
		r := &results[i]
		if r.Fingerprint != "" {
			out.Fingerprint = r.Fingerprint
		}
		if r.Endpoint != "" {
			out.Endpoint = r.Endpoint
		}
		if r.PageChanged {
			out.PageChanged = true
		}
		if r.Name == "api" {
			api = r
		}
		if r.Verdict.Decisive() || r.PageChanged {
			evidence = append(evidence,
				fmt.Sprintf("%s=%s(%.2f) %s", r.Name, r.Verdict, r.Confidence, r.Evidence))
		}
	}
	out.Evidence = strings.Join(evidence, "; ")

	if api != nil && api.Verdict.Decisive() && api.Confidence >= apiOverrideConfidence {
		out.Verdict = api.Verdict
		out.Confidence = api.Confidence
		return out
	}

	var sAvail, sUnavail, decisiveWeight float64
	for _, r := range results {
		if !r.Verdict.Decisive() {
			continue
		}
		score := w.of(r.Name) * r.Confidence
		decisiveWeight += w.of(r.Name)
		if r.Verdict == Available {
			sAvail += score
		} else {
			sUnavail += score
		}
	}
	if decisiveWeight == 0 {
		return out
	}

	if out.PageChanged {
		switch in.PrevStatus {
		case string(Available):
			sUnavail += w.Fingerprint
		case string(Unavailable):
			sAvail += w.Fingerprint
		}
	}

	if sAvail == sUnavail {
		return out
	}
	winner, score := Available, sAvail
	if sUnavail > sAvail {
		winner, score = Unavailable, sUnavail
	}
	conf := score / decisiveWeight
	if conf > 1 {
		conf = 1
	}
	out.Confidence = conf
	if conf < threshold {
		return out
	}
	out.Verdict = winner
	return out
}
