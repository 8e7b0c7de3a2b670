package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Prober fetches a candidate JSON endpoint.
type Prober interface {
	FetchJSON(ctx context.Context, url string) ([]byte, int, error)
}

// APIDetector looks for the vendor's own stock endpoint in the page source
// and trusts its answer over scraping when one responds.
type APIDetector struct {
	Prober Prober
}

func (APIDetector) Name() string { return "api" }

var endpointPatterns = []*regexp.Regexp{
	regexp.MustCompile(`["'](/api/[^"'\s<>]+)["']`),
	regexp.MustCompile(`["'](/ajax/[^"'\s<>]+)["']`),
	regexp.MustCompile(`["'](/[^"'\s<>]*(?:stock|inventory)[^"'\s<>]*)["']`),
	regexp.MustCompile(`["'](/[^"'\s<>]+\.json)["']`),
}

// Keys whose value is read as a stock signal, in priority order.
var stockKeys = []string{
	"in_stock", "instock", "stock", "available", "availability",
	"qty", "quantity", "inventory",
}

func (d APIDetector) Detect(ctx context.Context, in Input) Result {
	if d.Prober == nil {
		return Result{Name: "api", Verdict: Inconclusive, Evidence: "probing disabled"}
	}

	candidates := in.discoverEndpoints()
	for _, endpoint := range candidates {
		body, status, err := d.Prober.FetchJSON(ctx, endpoint)
		if err != nil || status != http.StatusOK {
			continue
		}
		var payload any
		if err := json.Unmarshal(body, &payload); err != nil {
			continue
		}
		verdict, evidence, ok := readStockSignal(payload)
		if !ok {
			continue
		}
		return Result{
			Name:       "api",
			Verdict:    verdict,
			Confidence: 0.9,
			Evidence:   fmt.Sprintf("%s: %s", endpoint, evidence),
			Endpoint:   endpoint,
		}
	}
	return Result{Name: "api", Verdict: Inconclusive, Evidence: "no usable endpoint"}
}

// discoverEndpoints returns the memoised endpoint first, then candidates
// scraped from the page source, resolved against the page URL.
func (in Input) discoverEndpoints() []string {
	var out []string
	seen := map[string]bool{}
	add := func(ep string) {
		if ep != "" && !seen[ep] {
			seen[ep] = true
			out = append(out, ep)
		}
	}
	add(in.KnownEndpoint)

	base, err := url.Parse(in.URL)
	if err != nil {
		return out
	}
	for _, re := range endpointPatterns {
		for _, m := range re.FindAllStringSubmatch(in.Body(), 5) {
			ref, err := url.Parse(m[1])
			if err != nil {
				continue
			}
			add(base.ResolveReference(ref).String())
		}
		if len(out) >= 6 {
			break
		}
	}
	return out
}

// readStockSignal walks the decoded JSON for a recognisable stock field.
func readStockSignal(v any) (Verdict, string, bool) {
	switch t := v.(type) {
	case map[string]any:
		for _, key := range stockKeys {
			if val, ok := lookupFold(t, key); ok {
				if verdict, ev, done := interpretValue(key, val); done {
					return verdict, ev, true
				}
			}
		}
		for _, val := range t {
			if verdict, ev, ok := readStockSignal(val); ok {
				return verdict, ev, true
			}
		}
	case []any:
		for _, el := range t {
			if verdict, ev, ok := readStockSignal(el); ok {
				return verdict, ev, true
			}
		}
	}
	return Inconclusive, "", false
}

func lookupFold(m map[string]any, key string) (any, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func interpretValue(key string, val any) (Verdict, string, bool) {
	switch t := val.(type) {
	case bool:
		if t {
			return Available, key + "=true", true
		}
		return Unavailable, key + "=false", true
	case float64:
		if t > 0 {
			return Available, fmt.Sprintf("%s=%g", key, t), true
		}
		return Unavailable, key + "=0", true
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		switch {
		case s == "":
			return Inconclusive, "", false
		case strings.Contains(s, "out of stock"), strings.Contains(s, "outofstock"),
			s == "unavailable", s == "false", s == "0", s == "no":
			return Unavailable, key + "=" + s, true
		case strings.Contains(s, "in stock"), strings.Contains(s, "instock"),
			s == "available", s == "true", s == "yes":
			return Available, key + "=" + s, true
		}
	}
	return Inconclusive, "", false
}
