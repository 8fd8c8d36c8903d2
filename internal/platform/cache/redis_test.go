package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewConfiguresClientAndConnects(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := New(context.Background(), mr.Addr(), 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	opts := client.Options()
	require.Equal(t, 4, opts.PoolSize)
	require.Equal(t, 2*time.Second, opts.DialTimeout)
	require.Equal(t, 500*time.Millisecond, opts.ReadTimeout)
	require.Equal(t, 500*time.Millisecond, opts.WriteTimeout)
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	_, err := New(context.Background(), "127.0.0.1:1", 1)
	require.Error(t, err)
}
