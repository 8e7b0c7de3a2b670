package detector

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// FingerprintDetector hashes the stock-relevant skeleton of the page:
// prices, purchase-control text and stock phrases, plus a coarse length
// bucket. It never votes on its own; a changed hash nudges the fusion layer
// toward whichever side the other detectors lean.
type FingerprintDetector struct{}

func (FingerprintDetector) Name() string { return "fingerprint" }

var (
	priceRe = regexp.MustCompile(`[$€£¥]\s?\d+(?:[.,]\d{1,2})?`)
	tagRe   = regexp.MustCompile(`<[^>]*>`)
	spaceRe = regexp.MustCompile(`\s+`)
)

const lengthBucket = 512

func (FingerprintDetector) Detect(_ context.Context, in Input) Result {
	hash := Fingerprint(in.Body())
	changed := in.StoredFingerprint != "" && in.StoredFingerprint != hash
	evidence := "fingerprint unchanged"
	if in.StoredFingerprint == "" {
		evidence = "first fingerprint"
	} else if changed {
		evidence = "fingerprint changed"
	}
	return Result{
		Name:        "fingerprint",
		Verdict:     Inconclusive,
		Evidence:    evidence,
		Fingerprint: hash,
		PageChanged: changed,
	}
}

// Fingerprint derives a stable hash of the page's stock-relevant features.
// Cosmetic edits elsewhere on the page do not move it.
func Fingerprint(body string) string {
	lower := strings.ToLower(body)

	features := priceRe.FindAllString(lower, 50)

	text := spaceRe.ReplaceAllString(tagRe.ReplaceAllString(lower, " "), " ")
	for _, p := range outOfStockPhrases {
		if strings.Contains(text, p) {
			features = append(features, "oos:"+p)
		}
	}
	for _, p := range inStockPhrases {
		if strings.Contains(text, p) {
			features = append(features, "avail:"+p)
		}
	}
	sort.Strings(features)
	features = append(features, fmt.Sprintf("len:%d", len(body)/lengthBucket))

	return fmt.Sprintf("%016x", xxhash.Sum64String(strings.Join(features, "|")))
}
