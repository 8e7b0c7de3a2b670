package detector

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	responses map[string]string
	calls     []string
}

func (f *fakeProber) FetchJSON(_ context.Context, url string) ([]byte, int, error) {
	f.calls = append(f.calls, url)
	body, ok := f.responses[url]
	if !ok {
		return nil, 0, errors.New("connection refused")
	}
	return []byte(body), http.StatusOK, nil
}

func TestAPIDetectorDiscoversEndpoint(t *testing.T) {
	prober := &fakeProber{responses: map[string]string{
		"https://vendor.example/api/stock/kvm-1g": `{"product":"kvm-1g","stock":5}`,
	}}
	d := APIDetector{Prober: prober}

	res := d.Detect(context.Background(), Input{
		URL:     "https://vendor.example/vps/kvm-1g",
		RawBody: `<script>fetch("/api/stock/kvm-1g").then(render)</script>`,
	})
	assert.Equal(t, Available, res.Verdict)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, "https://vendor.example/api/stock/kvm-1g", res.Endpoint)
}

func TestAPIDetectorZeroStock(t *testing.T) {
	prober := &fakeProber{responses: map[string]string{
		"https://vendor.example/ajax/availability": `{"data":{"qty":0}}`,
	}}
	d := APIDetector{Prober: prober}

	res := d.Detect(context.Background(), Input{
		URL:     "https://vendor.example/vps",
		RawBody: `<script src="/ajax/availability"></script>`,
	})
	assert.Equal(t, Unavailable, res.Verdict)
}

func TestAPIDetectorUsesMemoisedEndpointFirst(t *testing.T) {
	prober := &fakeProber{responses: map[string]string{
		"https://vendor.example/api/known": `{"in_stock":true}`,
	}}
	d := APIDetector{Prober: prober}

	res := d.Detect(context.Background(), Input{
		URL:           "https://vendor.example/vps",
		KnownEndpoint: "https://vendor.example/api/known",
		RawBody:       `<script>fetch("/api/other")</script>`,
	})
	assert.Equal(t, Available, res.Verdict)
	require.NotEmpty(t, prober.calls)
	assert.Equal(t, "https://vendor.example/api/known", prober.calls[0])
}

func TestAPIDetectorInconclusiveCases(t *testing.T) {
	t.Run("no endpoints in page", func(t *testing.T) {
		d := APIDetector{Prober: &fakeProber{}}
		res := d.Detect(context.Background(), Input{
			URL:     "https://vendor.example/vps",
			RawBody: `<p>plain page</p>`,
		})
		assert.Equal(t, Inconclusive, res.Verdict)
	})

	t.Run("endpoint without stock fields", func(t *testing.T) {
		prober := &fakeProber{responses: map[string]string{
			"https://vendor.example/api/user": `{"name":"x","plan":"basic"}`,
		}}
		d := APIDetector{Prober: prober}
		res := d.Detect(context.Background(), Input{
			URL:     "https://vendor.example/vps",
			RawBody: `<script>fetch("/api/user")</script>`,
		})
		assert.Equal(t, Inconclusive, res.Verdict)
	})

	t.Run("prober disabled", func(t *testing.T) {
		res := APIDetector{}.Detect(context.Background(), Input{RawBody: `"/api/x"`})
		assert.Equal(t, Inconclusive, res.Verdict)
	})
}

func TestReadStockSignalStringForms(t *testing.T) {
	v, _, ok := readStockSignal(map[string]any{"availability": "In Stock"})
	require.True(t, ok)
	assert.Equal(t, Available, v)

	v, _, ok = readStockSignal(map[string]any{"availability": "Out of Stock"})
	require.True(t, ok)
	assert.Equal(t, Unavailable, v)

	v, _, ok = readStockSignal([]any{map[string]any{"stock": false}})
	require.True(t, ok)
	assert.Equal(t, Unavailable, v)
}
