package main

import (
	"context"
	"testing"

	"surveybot/internal/channel"
	"surveybot/internal/config"
	"surveybot/internal/memstore"
	"surveybot/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenStore_MemoryFallback(t *testing.T) {
	store, closeFn, err := openStore(context.Background(), &config.Config{}, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &memstore.Store{}, store)
}

func TestOpenMediaStorage(t *testing.T) {
	s, err := openMediaStorage(config.StorageConfig{Backend: "local", LocalDir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &storage.LocalStorage{}, s)

	_, err = openMediaStorage(config.StorageConfig{Backend: "ftp"}, zap.NewNop())
	assert.Error(t, err)
}

func TestOpenTransport(t *testing.T) {
	assert.IsType(t, &channel.MemoryTransport{}, openTransport(config.TransportConfig{Kind: "memory"}, zap.NewNop()))
	assert.IsType(t, &channel.AMQPTransport{}, openTransport(config.TransportConfig{Kind: "amqp"}, zap.NewNop()))
}
