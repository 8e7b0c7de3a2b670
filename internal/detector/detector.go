// Package detector decides stock state from fetched pages. Four independent
// detectors each return a verdict with a confidence; a weighted fusion layer
// combines them into the final call.
package detector

import (
	"context"
	"sync"
	"time"

	"github.com/kure29/vpsmonitor/internal/observability"
)

// Verdict is one detector's (or the fused) stock call.
type Verdict string

const (
	Available    Verdict = "available"
	Unavailable  Verdict = "unavailable"
	Inconclusive Verdict = "inconclusive"
)

// Decisive reports whether the verdict takes a side.
func (v Verdict) Decisive() bool { return v == Available || v == Unavailable }

// Input carries everything a detector may inspect for one check.
type Input struct {
	URL               string
	Host              string
	VendorTag         string
	RawBody           string
	RenderedBody      string
	HTTPStatus        int
	StoredFingerprint string
	KnownEndpoint     string
	PrevStatus        string
}

// Body returns the rendered DOM when present, otherwise the raw body.
func (in Input) Body() string {
	if in.RenderedBody != "" {
		return in.RenderedBody
	}
	return in.RawBody
}

// Result is one detector's output.
type Result struct {
	Name        string
	Verdict     Verdict
	Confidence  float64
	Evidence    string
	Fingerprint string
	Endpoint    string
	PageChanged bool
}

// Detector inspects a fetched page and votes on stock state.
type Detector interface {
	Name() string
	Detect(ctx context.Context, in Input) Result
}

// Runner executes the detector set in parallel with a per-detector timeout.
type Runner struct {
	detectors []Detector
	timeout   time.Duration
}

// NewRunner builds a runner over the given detectors.
func NewRunner(timeout time.Duration, detectors ...Detector) *Runner {
	return &Runner{detectors: detectors, timeout: timeout}
}

// Run executes all detectors concurrently. A detector that exceeds the
// timeout contributes an inconclusive vote instead of stalling the check.
func (r *Runner) Run(ctx context.Context, in Input) []Result {
	results := make([]Result, len(r.detectors))
	var wg sync.WaitGroup
	for i, d := range r.detectors {
		wg.Add(1)
		go func(i int, d Detector) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			done := make(chan Result, 1)
			go func() { done <- d.Detect(dctx, in) }()
			select {
			case res := <-done:
				results[i] = res
			case <-dctx.Done():
				results[i] = Result{Name: d.Name(), Verdict: Inconclusive, Evidence: "timeout"}
			}
			observability.DetectorVerdicts.WithLabelValues(
				results[i].Name, string(results[i].Verdict)).Inc()
		}(i, d)
	}
	wg.Wait()
	return results
}
