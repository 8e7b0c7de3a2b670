package detector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDOMDetectorWHMCSProductBox(t *testing.T) {
	d := DOMDetector{}

	oos := `<html><body>
		<div class="product">
			<h3>KVM VPS 1GB</h3>
			<div class="qty">0 Available</div>
			<a class="btn" href="/cart.php?a=add">Order Now</a>
		</div></body></html>`
	res := d.Detect(context.Background(), Input{RawBody: oos})
	assert.Equal(t, Unavailable, res.Verdict)
	assert.Equal(t, 0.8, res.Confidence)

	avail := `<html><body>
		<div class="product">
			<h3>KVM VPS 1GB</h3>
			<div class="qty">14 Available</div>
			<a class="btn" href="/cart.php?a=add">Order Now</a>
		</div></body></html>`
	res = d.Detect(context.Background(), Input{RawBody: avail})
	assert.Equal(t, Available, res.Verdict)
}

func TestDOMDetectorGeneric(t *testing.T) {
	d := DOMDetector{}

	tests := []struct {
		name string
		body string
		want Verdict
	}{
		{"active buy button",
			`<html><body><button>Buy Now</button></body></html>`, Available},
		{"disabled buy button",
			`<html><body><button disabled>Add to Cart</button></body></html>`, Unavailable},
		{"disabled via class",
			`<html><body><a class="btn disabled" href="#">Order Now</a></body></html>`, Unavailable},
		{"sold-out badge wins",
			`<html><body><span class="badge sold-out"></span><button>Buy Now</button></body></html>`,
			Unavailable},
		{"no purchase controls",
			`<html><body><p>About us</p></body></html>`, Inconclusive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Detect(context.Background(), Input{RawBody: tt.body})
			assert.Equal(t, tt.want, res.Verdict, res.Evidence)
		})
	}
}
