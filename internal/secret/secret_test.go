package secret

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	calls int
	value string
	err   error
}

func (p *countingProvider) Get(context.Context, string) (string, error) {
	p.calls++
	return p.value, p.err
}

func (p *countingProvider) Close() error { return nil }

func TestResolver_LiteralPassthrough(t *testing.T) {
	r := NewResolver()
	got, err := r.Resolve(context.Background(), "sk-plain-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-plain-key", got)
}

func TestResolver_EnvScheme(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-from-env")
	r := NewDefaultResolver()
	defer func() { _ = r.Close() }()

	got, err := r.Resolve(context.Background(), "env://TEST_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", got)

	_, err = r.Resolve(context.Background(), "env://TEST_MISSING_KEY")
	assert.Error(t, err)
}

func TestResolver_UnknownScheme(t *testing.T) {
	r := NewResolver()
	_, err := r.Resolve(context.Background(), "vault://secret/data/key")
	assert.ErrorContains(t, err, "no secret provider registered")
}

func TestCached_AvoidsRepeatLookups(t *testing.T) {
	inner := &countingProvider{value: "v1"}
	c := NewCached(inner, time.Minute)

	for i := 0; i < 5; i++ {
		got, err := c.Get(context.Background(), "k")
		require.NoError(t, err)
		assert.Equal(t, "v1", got)
	}
	assert.Equal(t, 1, inner.calls)
}

func TestCached_ErrorsAreNotCached(t *testing.T) {
	inner := &countingProvider{err: errors.New("down")}
	c := NewCached(inner, time.Minute)

	_, err := c.Get(context.Background(), "k")
	require.Error(t, err)
	_, err = c.Get(context.Background(), "k")
	require.Error(t, err)
	assert.Equal(t, 2, inner.calls)
}
