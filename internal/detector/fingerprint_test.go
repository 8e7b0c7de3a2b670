package detector

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintStableUnderCosmeticEdits(t *testing.T) {
	page := func(footer string) string {
		return `<html><body>
			<div class="plan"><span class="price">$24.99</span>
			<button>Add to Cart</button></div>
			<footer>` + footer + `</footer></body></html>`
	}
	a := Fingerprint(page("© 2026 Vendor Inc"))
	b := Fingerprint(page("© 2026 Vendor Inc. All rights reserved"))
	assert.Equal(t, a, b, "footer copy is not a stock feature")
}

func TestFingerprintMovesOnStockChange(t *testing.T) {
	inStock := `<html><body><span>$24.99</span><button>Add to Cart</button></body></html>`
	outStock := `<html><body><span>$24.99</span><p>Sold Out</p></body></html>`
	assert.NotEqual(t, Fingerprint(inStock), Fingerprint(outStock))
}

func TestFingerprintMovesOnPriceChange(t *testing.T) {
	a := Fingerprint(`<span>$24.99</span><button>Buy Now</button>`)
	b := Fingerprint(`<span>$29.99</span><button>Buy Now</button>`)
	assert.NotEqual(t, a, b)
}

func TestFingerprintMovesOnLargeLengthChange(t *testing.T) {
	base := `<span>$10</span>`
	padded := base + strings.Repeat("<div>x</div>", 200)
	assert.NotEqual(t, Fingerprint(base), Fingerprint(padded))
}

func TestFingerprintDetectorFlagsChange(t *testing.T) {
	d := FingerprintDetector{}
	first := d.Detect(context.Background(), Input{RawBody: "<span>$10</span><b>In Stock</b>"})
	assert.Equal(t, Inconclusive, first.Verdict)
	assert.NotEmpty(t, first.Fingerprint)
	assert.False(t, first.PageChanged, "no stored fingerprint yet")

	same := d.Detect(context.Background(), Input{
		RawBody:           "<span>$10</span><b>In Stock</b>",
		StoredFingerprint: first.Fingerprint,
	})
	assert.False(t, same.PageChanged)
	assert.Equal(t, first.Fingerprint, same.Fingerprint)

	changed := d.Detect(context.Background(), Input{
		RawBody:           "<span>$10</span><b>Sold Out</b>",
		StoredFingerprint: first.Fingerprint,
	})
	assert.True(t, changed.PageChanged)
}
