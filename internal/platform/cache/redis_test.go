package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewPingsServer(t *testing.T) {
	srv := miniredis.RunT(t)
	client, err := New(context.Background(), srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	opts := AsynqOpts(client)
	require.Equal(t, srv.Addr(), opts.Addr)
}

func TestNewFailsWithoutServer(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()
	_, err := New(context.Background(), addr)
	require.Error(t, err)
}
