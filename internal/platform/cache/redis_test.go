package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewPingsServer(t *testing.T) {
	srv := miniredis.RunT(t)

	client, err := New(context.Background(), Options{Addr: srv.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	srv.CheckGet(t, "k", "v")
}

func TestNewSelectsDatabaseAndAuthenticates(t *testing.T) {
	srv := miniredis.RunT(t)
	srv.RequireAuth("s3cret")

	client, err := New(context.Background(), Options{Addr: srv.Addr(), Password: "s3cret", DB: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := srv.DB(3).Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", got)
	require.False(t, srv.Exists("k"))
}

func TestNewRejectsBadAuth(t *testing.T) {
	srv := miniredis.RunT(t)
	srv.RequireAuth("s3cret")

	_, err := New(context.Background(), Options{Addr: srv.Addr(), Password: "wrong"})
	require.Error(t, err)
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	_, err := New(context.Background(), Options{Addr: addr, PingTimeout: time.Second})
	require.Error(t, err)
}

func TestOptionsValidation(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.ErrorContains(t, err, "addr is required")

	_, err = New(context.Background(), Options{Addr: "127.0.0.1:0", DB: -1})
	require.ErrorContains(t, err, "negative")
}

func TestOptionsAsynqSharesDatabase(t *testing.T) {
	opts := Options{Addr: "redis:6379", Password: "pw", DB: 2}
	got := opts.Asynq()
	require.Equal(t, "redis:6379", got.Addr)
	require.Equal(t, "pw", got.Password)
	require.Equal(t, 2, got.DB)
}
