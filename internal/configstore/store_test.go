package configstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randallgann/chat-copilot/internal/config"
	"github.com/randallgann/chat-copilot/internal/tenant"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "configs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustKey(t *testing.T, user, context string) tenant.Key {
	t.Helper()
	key, err := tenant.NewKey(user, context)
	require.NoError(t, err)
	return key
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), mustKey(t, "u1", "c1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := &TenantConfig{
		UserID:    "u1",
		ContextID: "c1",
		Settings:  map[string]string{"persona": "friendly"},
		CompletionOptions: config.LLMOptions{
			ModelID:     "gpt-4o",
			Temperature: 0.2,
			MaxTokens:   2048,
		},
		EmbeddingOptions: config.LLMOptions{ModelID: "text-embedding-ada-002"},
		EnabledPlugins:   []string{"web-search", "github"},
		APIKeys:          map[string]config.Secret{"openai": "sk-test"},
		ContextSettings:  map[string]string{"channel": "general"},
	}
	require.NoError(t, s.Upsert(ctx, cfg))
	assert.NotEmpty(t, cfg.ID)
	assert.False(t, cfg.CreatedOn.IsZero())

	got, err := s.Get(ctx, mustKey(t, "u1", "c1"))
	require.NoError(t, err)
	assert.Equal(t, cfg.ID, got.ID)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "c1", got.ContextID)
	assert.Equal(t, cfg.CompletionOptions, got.CompletionOptions)
	assert.Equal(t, cfg.EmbeddingOptions, got.EmbeddingOptions)
	assert.Equal(t, cfg.EnabledPlugins, got.EnabledPlugins)
	assert.Equal(t, "sk-test", got.APIKeys["openai"].Value())
	assert.Equal(t, cfg.Settings, got.Settings)
	assert.Equal(t, cfg.ContextSettings, got.ContextSettings)
}

func TestUpsertOverwritesPreservingIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &TenantConfig{
		UserID:            "u1",
		ContextID:         "c1",
		CompletionOptions: config.LLMOptions{ModelID: "gpt-4o"},
	}
	require.NoError(t, s.Upsert(ctx, first))

	second := &TenantConfig{
		UserID:            "u1",
		ContextID:         "c1",
		CompletionOptions: config.LLMOptions{ModelID: "gpt-4o-mini"},
		EnabledPlugins:    []string{"web-search"},
	}
	require.NoError(t, s.Upsert(ctx, second))

	assert.Equal(t, first.ID, second.ID, "upsert must keep the record identity")
	assert.Equal(t, first.CreatedOn, second.CreatedOn)
	assert.True(t, second.UpdatedOn.After(first.CreatedOn) || second.UpdatedOn.Equal(first.CreatedOn))

	got, err := s.Get(ctx, mustKey(t, "u1", "c1"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", got.CompletionOptions.ModelID)
	assert.Equal(t, []string{"web-search"}, got.EnabledPlugins)
}

func TestUpsertDefaultsEmptyContext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := &TenantConfig{
		UserID:            "u1",
		CompletionOptions: config.LLMOptions{ModelID: "gpt-4o"},
	}
	require.NoError(t, s.Upsert(ctx, cfg))
	assert.Equal(t, tenant.DefaultContextID, cfg.ContextID)

	_, err := s.Get(ctx, mustKey(t, "u1", ""))
	assert.NoError(t, err, "record must be stored under the default context")
}

func TestUpsertRejectsEmptyUser(t *testing.T) {
	s := newTestStore(t)
	err := s.Upsert(context.Background(), &TenantConfig{})
	assert.ErrorIs(t, err, tenant.ErrInvalidUserID)
}

func TestListByUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, c := range []string{"c1", "c2"} {
		require.NoError(t, s.Upsert(ctx, &TenantConfig{
			UserID:            "u1",
			ContextID:         c,
			CompletionOptions: config.LLMOptions{ModelID: "gpt-4o"},
		}))
	}
	require.NoError(t, s.Upsert(ctx, &TenantConfig{
		UserID:            "u2",
		ContextID:         "c1",
		CompletionOptions: config.LLMOptions{ModelID: "gpt-4o"},
	}))

	configs, err := s.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "c1", configs[0].ContextID)
	assert.Equal(t, "c2", configs[1].ContextID)
}

func TestDeleteMissingIsNoOp(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Delete(context.Background(), mustKey(t, "ghost", "c1")))
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := mustKey(t, "u1", "c1")

	require.NoError(t, s.Upsert(ctx, &TenantConfig{
		UserID:            "u1",
		ContextID:         "c1",
		CompletionOptions: config.LLMOptions{ModelID: "gpt-4o"},
	}))
	require.NoError(t, s.Delete(ctx, key))

	_, err := s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}
