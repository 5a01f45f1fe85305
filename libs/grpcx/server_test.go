package grpcx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/appointly/appointly/libs/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, checks ...runtime.ReadyCheck) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	hs := NewHealthServer(slog.New(slog.NewTextHandler(io.Discard, nil)), checks...)
	go func() { done <- hs.Serve(ctx, lis, time.Hour) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return lis.Addr().String()
}

func TestCheckHealthReportsServing(t *testing.T) {
	addr := serve(t, runtime.ReadyCheck{Name: "db", Check: func(context.Context) error { return nil }})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := CheckHealth(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, "SERVING", status)
}

func TestCheckHealthReportsFailingCheck(t *testing.T) {
	addr := serve(t, runtime.ReadyCheck{Name: "redis", Check: func(context.Context) error { return errors.New("down") }})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := CheckHealth(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, "NOT_SERVING", status)
}
