package embedding

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tcerrors "github.com/blueberrycongee/tiercache/pkg/errors"
)

func TestNewOpenAIEmbedder(t *testing.T) {
	_, err := NewOpenAIEmbedder(OpenAIConfig{})
	assert.Error(t, err)

	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai/text-embedding-3-small", e.Model())
	assert.Equal(t, 1536, e.Dimension())
}

func TestOpenAIEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		assert.Equal(t, []string{"rules of soccer"}, req.Input)

		_, _ = io.WriteString(w, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,-0.2,0.3]}],"model":"text-embedding-3-small"}`)
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIConfig{
		APIKey:    "sk-test",
		APIBase:   srv.URL + "/v1/",
		Model:     "text-embedding-3-small",
		Dimension: 3,
	})
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "rules of soccer")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, -0.2, 0.3}, vec)
}

func TestOpenAIEmbedder_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`},
		{"empty data", http.StatusOK, `{"data":[]}`},
		{"bad json", http.StatusOK, `{"data":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "k", APIBase: srv.URL})
			require.NoError(t, err)

			_, err = e.Embed(context.Background(), "q")
			require.Error(t, err)
			if tt.status != http.StatusOK {
				se, ok := tcerrors.As(err)
				require.True(t, ok)
				assert.Equal(t, tcerrors.TypeRateLimit, se.Type)
			}
		})
	}
}
