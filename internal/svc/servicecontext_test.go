package svc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeromicro/go-zero/core/conf"

	"github.com/aetherflow/collabsync/internal/config"
	"github.com/aetherflow/collabsync/internal/ot"
	"github.com/aetherflow/collabsync/internal/statesync"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()

	var c config.Config
	require.NoError(t, conf.LoadFromYamlBytes([]byte(`
Name: collab-test
Host: 127.0.0.1
Port: 0
Logging:
  Level: debug
Metrics:
  Enable: false
`), &c))
	return c
}

func TestConfigDefaults(t *testing.T) {
	c := memoryConfig(t)

	assert.Equal(t, "memory", c.Storage.Documents)
	assert.Equal(t, "memory", c.Storage.Presence)
	assert.Equal(t, 30, c.Sync.LockTimeout)
	assert.Equal(t, 3000, c.Presence.TypingTimeout)
	assert.Equal(t, "collabsync:events", c.Redis.EventChannel)
	assert.False(t, c.Kafka.Enable)
	assert.False(t, c.Tracing.Enable)
}

func TestNewServiceContext_Memory(t *testing.T) {
	s, err := NewServiceContext(memoryConfig(t))
	require.NoError(t, err)
	defer s.Close(context.Background())

	assert.Nil(t, s.Bus)
	assert.Nil(t, s.Dispatcher)
	assert.Nil(t, s.Registry)
	require.NotNil(t, s.WSServer)

	ctx := context.Background()
	_, err = s.Service.CreateDocument(ctx, &statesync.CreateDocumentRequest{
		DocumentID:     "doc-1",
		InitialContent: "abc",
		CreatedBy:      "alice",
	})
	require.NoError(t, err)

	result, err := s.Service.SubmitChanges(ctx, "", &statesync.SyncRequest{
		DocumentID:    "doc-1",
		Operations:    []ot.Operation{ot.Insert(3, "d")},
		ClientVersion: 1,
		UserID:        "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, ot.Checksum("abcd"), result.Checksum)

	status, healthy := s.CheckHealth(ctx)
	assert.True(t, healthy)
	assert.Empty(t, status)
}

func TestNewServiceContext_RedisUnavailable(t *testing.T) {
	c := memoryConfig(t)
	c.Storage.Presence = "redis"
	c.Redis.Addr = "127.0.0.1:1"

	_, err := NewServiceContext(c)
	assert.Error(t, err)
}
