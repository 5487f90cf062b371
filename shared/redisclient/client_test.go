package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/image-pipeline/shared/logger"
)

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := NewClient(context.Background(), &Config{Addr: mr.Addr()}, logger.NewNop().Logger)
	require.NoError(t, err)
	defer rdb.Close()

	require.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewClient(context.Background(), &Config{Addr: addr, DialTimeout: 200 * time.Millisecond}, logger.NewNop().Logger)
	assert.Error(t, err)
}

func TestConfig_Options(t *testing.T) {
	opts := (&Config{Addr: "localhost:6379", DB: 2, PoolSize: 7}).options()
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 7, opts.PoolSize)

	opts = (&Config{Addr: "localhost:6379"}).options()
	assert.Zero(t, opts.PoolSize)
}
