// Package configstore persists per-tenant runtime configuration in SQLite.
//
// The store is the durable side of the resource cache: a cached runtime can
// always be rebuilt from the record here plus the backing vector collection.
package configstore

import (
	"time"

	"github.com/randallgann/chat-copilot/internal/config"
	"github.com/randallgann/chat-copilot/internal/tenant"
)

// TenantConfig is the persisted runtime configuration for one tenant key.
// At most one record exists per (UserID, ContextID).
type TenantConfig struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ContextID string    `json:"contextId"`
	CreatedOn time.Time `json:"createdOn"`
	UpdatedOn time.Time `json:"updatedOn"`

	// Settings holds forward-compatible, non-critical metadata. Anything
	// the runtime depends on belongs in a typed field instead.
	Settings map[string]string `json:"settings,omitempty"`

	CompletionOptions config.LLMOptions `json:"completionOptions"`
	EmbeddingOptions  config.LLMOptions `json:"embeddingOptions"`

	// EnabledPlugins names plugins registered in addition to the baseline
	// set. Unknown names are skipped at build time.
	EnabledPlugins []string `json:"enabledPlugins,omitempty"`

	// APIKeys holds provider credentials keyed by provider name.
	APIKeys map[string]config.Secret `json:"apiKeys,omitempty"`

	// ContextSettings holds per-context metadata (e.g. channel options).
	ContextSettings map[string]string `json:"contextSettings,omitempty"`
}

// Key returns the tenant key this record belongs to.
func (c *TenantConfig) Key() tenant.Key {
	k, _ := tenant.NewKey(c.UserID, c.ContextID)
	return k
}
