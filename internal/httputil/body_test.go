package httputil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBody_AllowsWithinLimit(t *testing.T) {
	body, err := ReadBody(strings.NewReader("hello"), 10)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestReadBody_TruncatesOversize(t *testing.T) {
	body, err := ReadBody(strings.NewReader("helloworld"), 5)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.Equal(t, "hello", string(body), "caller still gets the capped prefix")
}

func TestReadBody_ZeroCapDisablesLimit(t *testing.T) {
	payload := strings.Repeat("x", 4096)
	body, err := ReadBody(strings.NewReader(payload), 0)
	require.NoError(t, err)
	assert.Len(t, body, len(payload))
}
