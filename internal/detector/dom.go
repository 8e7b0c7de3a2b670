package detector

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DOMDetector inspects page structure: purchase controls, their disabled
// state, and stock badges. Vendor-specific rules run before the generic one.
type DOMDetector struct{}

func (DOMDetector) Name() string { return "dom" }

var purchaseTexts = []string{
	"add to cart", "buy now", "order now", "order", "configure", "deploy",
	"加入购物车", "立即购买", "立即订购",
}

var stockBadgeClasses = []string{
	"out-of-stock", "outofstock", "sold-out", "soldout", "unavailable",
}

func (DOMDetector) Detect(_ context.Context, in Input) Result {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(in.Body()))
	if err != nil {
		return Result{Name: "dom", Verdict: Inconclusive, Evidence: "unparseable html"}
	}

	if res, ok := whmcsRule(doc); ok {
		return res
	}
	return genericRule(doc)
}

// whmcsRule covers the WHMCS cart pages most VPS vendors run. A product box
// with a qty banner of "0 Available" is out of stock regardless of the rest
// of the template.
func whmcsRule(doc *goquery.Document) (Result, bool) {
	products := doc.Find(".product, .package, [id^=product]")
	if products.Length() == 0 {
		return Result{}, false
	}

	var verdict Verdict = Inconclusive
	evidence := ""
	products.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		qty := strings.ToLower(s.Find(".qty, .stock, .availability").Text())
		if strings.Contains(qty, "0 available") || strings.Contains(qty, "out of stock") {
			verdict, evidence = Unavailable, "product box shows no availability"
			return false
		}
		btn := s.Find("a, button").FilterFunction(func(_ int, b *goquery.Selection) bool {
			return matchesPurchase(b.Text())
		})
		if btn.Length() > 0 {
			if btnDisabled(btn) {
				verdict, evidence = Unavailable, "order button disabled"
			} else {
				verdict, evidence = Available, "order button active"
			}
			return false
		}
		return true
	})
	if verdict == Inconclusive {
		return Result{}, false
	}
	conf := 0.8
	if verdict == Available {
		conf = 0.75
	}
	return Result{Name: "dom", Verdict: verdict, Confidence: conf, Evidence: evidence}, true
}

func genericRule(doc *goquery.Document) Result {
	for _, cls := range stockBadgeClasses {
		if doc.Find("[class*=" + cls + "]").Length() > 0 {
			return Result{Name: "dom", Verdict: Unavailable, Confidence: 0.8,
				Evidence: "stock badge class " + cls}
		}
	}

	controls := doc.Find("button, input[type=submit], a.btn, a.button").
		FilterFunction(func(_ int, s *goquery.Selection) bool {
			text := s.Text()
			if v, ok := s.Attr("value"); ok {
				text += " " + v
			}
			return matchesPurchase(text)
		})
	if controls.Length() == 0 {
		return Result{Name: "dom", Verdict: Inconclusive, Evidence: "no purchase controls"}
	}

	enabled := controls.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return !btnDisabled(s)
	})
	if enabled.Length() == 0 {
		return Result{Name: "dom", Verdict: Unavailable, Confidence: 0.8,
			Evidence: "all purchase controls disabled"}
	}
	return Result{Name: "dom", Verdict: Available, Confidence: 0.75,
		Evidence: "active purchase control"}
}

func matchesPurchase(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return false
	}
	for _, p := range purchaseTexts {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func btnDisabled(s *goquery.Selection) bool {
	if _, ok := s.Attr("disabled"); ok {
		return true
	}
	if cls, ok := s.Attr("class"); ok && strings.Contains(strings.ToLower(cls), "disabled") {
		return true
	}
	return false
}
