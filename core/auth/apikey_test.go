package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequireAPIKey(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name     string
		expected string
		header   string
		query    string
		want     int
	}{
		{"auth disabled", "", "", "", http.StatusNoContent},
		{"valid header", "s3cret", "s3cret", "", http.StatusNoContent},
		{"valid query", "s3cret", "", "s3cret", http.StatusNoContent},
		{"wrong key", "s3cret", "nope", "", http.StatusUnauthorized},
		{"missing key", "s3cret", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/api/vm/list"
			if tt.query != "" {
				target += "?api_key=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set(HeaderAPIKey, tt.header)
			}
			rec := httptest.NewRecorder()

			RequireAPIKey(tt.expected)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestSetAPIKey(t *testing.T) {
	h := http.Header{}
	SetAPIKey(h, "")
	assert.Empty(t, h.Get(HeaderAPIKey))

	SetAPIKey(h, "k")
	assert.Equal(t, "k", h.Get(HeaderAPIKey))
}
