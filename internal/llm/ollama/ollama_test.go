package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/retry"
)

func newFakeOllama(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": "model busy"})
			return
		}
		switch r.URL.Path {
		case "/api/embed":
			json.NewEncoder(w).Encode(map[string]any{
				"model":      "nomic-embed-text",
				"embeddings": [][]float32{{0.1, 0.2, 0.3}},
			})
		case "/api/generate":
			json.NewEncoder(w).Encode(map[string]any{
				"model":    "llama3.2",
				"response": "# Note\n\nbody",
				"done":     true,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateAndEmbed(t *testing.T) {
	srv := newFakeOllama(t, http.StatusOK)
	c, err := New(srv.URL, "llama3.2", "nomic-embed-text")
	require.NoError(t, err)

	text, err := c.Generate(context.Background(), "system", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "# Note\n\nbody", text)

	emb, err := c.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, emb)
}

func TestStatusClassification(t *testing.T) {
	busy := newFakeOllama(t, http.StatusServiceUnavailable)
	c, err := New(busy.URL, "m", "e")
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, retry.ClassTransient, retry.Classify(err))

	bad := newFakeOllama(t, http.StatusBadRequest)
	c, err = New(bad.URL, "m", "e")
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), "", "x")
	require.Error(t, err)
	assert.Equal(t, retry.ClassPermanent, retry.Classify(err))
}
