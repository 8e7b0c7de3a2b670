package detector

import (
	"context"
	"fmt"
	"strings"
)

var outOfStockPhrases = []string{
	"out of stock",
	"out-of-stock",
	"sold out",
	"currently unavailable",
	"not available",
	"temporarily out of stock",
	"no stock",
	"notify me when available",
	"notify when available",
	"缺货",
	"缺貨",
	"售罄",
	"售完",
	"已售完",
	"无货",
	"無貨",
	"断货",
	"暂时缺货",
	"补货中",
}

var inStockPhrases = []string{
	"add to cart",
	"add to basket",
	"buy now",
	"order now",
	"order summary",
	"in stock",
	"configure server",
	"deploy now",
	"加入购物车",
	"立即购买",
	"立即订购",
	"现货",
	"有货",
	"馬上購買",
}

// KeywordDetector scans the page text for stock phrases in the languages the
// monitored vendors publish in.
type KeywordDetector struct{}

func (KeywordDetector) Name() string { return "keyword" }

func (KeywordDetector) Detect(_ context.Context, in Input) Result {
	body := strings.ToLower(in.Body())

	oos, oosHit := countPhrases(body, outOfStockPhrases)
	avail, availHit := countPhrases(body, inStockPhrases)

	switch {
	case oos > 0 && avail > 0:
		// Vendor pages often keep purchase copy in the template next to a
		// sold-out banner; conflicting phrases decide nothing on their own.
		return Result{
			Name:       "keyword",
			Verdict:    Inconclusive,
			Confidence: 0.3,
			Evidence:   fmt.Sprintf("conflicting phrases %q vs %q", oosHit, availHit),
		}
	case oos > 0:
		return Result{
			Name:       "keyword",
			Verdict:    Unavailable,
			Confidence: capConf(0.6+0.1*float64(oos), 0.9),
			Evidence:   fmt.Sprintf("matched %q (%d phrases)", oosHit, oos),
		}
	case avail > 0:
		return Result{
			Name:       "keyword",
			Verdict:    Available,
			Confidence: capConf(0.6+0.1*float64(avail), 0.9),
			Evidence:   fmt.Sprintf("matched %q (%d phrases)", availHit, avail),
		}
	default:
		return Result{Name: "keyword", Verdict: Inconclusive, Evidence: "no stock phrases"}
	}
}

// countPhrases returns how many distinct phrases occur and the first hit.
func countPhrases(body string, phrases []string) (int, string) {
	n, first := 0, ""
	for _, p := range phrases {
		if strings.Contains(body, p) {
			if n == 0 {
				first = p
			}
			n++
		}
	}
	return n, first
}

func capConf(v, max float64) float64 {
	if v > max {
		return max
	}
	return v
}
