package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewClient(context.Background(), Options{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	defer c.Close()
	assert.NoError(t, c.Ping(context.Background()))

	mr.Close()
	assert.Error(t, c.Ping(context.Background()))
}

func TestNewClientDisabled(t *testing.T) {
	_, err := NewClient(context.Background(), Options{}, nil)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestNewClientUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := NewClient(context.Background(), Options{Addr: addr}, nil)
	assert.Error(t, err)
}
