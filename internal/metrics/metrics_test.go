package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModelLabel(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"gemini/gemini-1.5-flash", "gemini-1.5-flash"},
		{"gpt-4o", "gpt-4o"},
		{"openai/gpt 4o (beta)", "gpt_4o__beta"},
		{"", "unknown"},
		{"gemini/   ", "unknown"},
		{"x/" + strings.Repeat("a", 200), strings.Repeat("a", 64)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ModelLabel(tc.in), "input %q", tc.in)
	}
}

func TestMiddlewareCapturesStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tasks/{task_id}/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rr := httptest.NewRecorder()
	Middleware(mux).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tasks/t1/status", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
