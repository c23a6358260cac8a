package gemini

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmux/taskmux/pkg/errors"
	"github.com/taskmux/taskmux/pkg/types"
)

func ssePayload(text, finish string) string {
	payload := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": text}}},
			"finishReason": finish,
		}},
	}
	data, _ := json.Marshal(payload)
	return fmt.Sprintf("data: %s\n\n", data)
}

func TestStream_PartsBecomeChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-1.5-flash:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		assert.Equal(t, "k-test", r.URL.Query().Get("key"))

		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.SystemInstruction)
		require.Len(t, req.Contents, 2)
		assert.Equal(t, "model", req.Contents[1].Role)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ssePayload("Once", ""))
		_, _ = io.WriteString(w, ssePayload(" upon", "STOP"))
	}))
	defer srv.Close()

	p := New(WithAPIKey("k-test"), WithBaseURL(srv.URL))
	s, err := p.Stream(context.Background(), "gemini-1.5-flash", []types.Message{
		{Role: types.RoleSystem, Content: "narrate"},
		{Role: types.RoleUser, Content: "story"},
		{Role: types.RoleAssistant, Content: "ok"},
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var got []string
	for {
		c, err := s.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, c.Content)
	}
	assert.Equal(t, []string{"Once", " upon"}, got)
}

func TestStream_ErrorStatusMapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":{"message":"key not valid"}}`)
	}))
	defer srv.Close()

	p := New(WithAPIKey("bad"), WithBaseURL(srv.URL))
	_, err := p.Stream(context.Background(), "gemini-1.5-flash", []types.Message{{Role: types.RoleUser, Content: "hi"}})
	require.Error(t, err)

	var se *errors.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
	assert.Contains(t, se.Message, "key not valid")
}

func TestSupportsModel(t *testing.T) {
	p := New()
	assert.True(t, p.SupportsModel("gemini-1.5-pro"))
	assert.False(t, p.SupportsModel("gpt-4o"))

	p = New(WithModels("text-bison"))
	assert.True(t, p.SupportsModel("text-bison"))
}
