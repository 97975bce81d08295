package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/randallgann/chat-copilot/internal/config"
	"github.com/randallgann/chat-copilot/internal/configstore"
	"github.com/randallgann/chat-copilot/internal/tenant"
)

// ErrNoCompletionModel is returned when neither the tenant configuration nor
// the process defaults name a completion model.
var ErrNoCompletionModel = errors.New("no completion model configured")

// Factory builds runtimes from tenant configuration merged onto process
// defaults.
type Factory struct {
	defaults config.ModelsConfig
	registry *PluginRegistry
	logger   *zap.Logger
}

// NewFactory creates a runtime factory.
func NewFactory(defaults config.ModelsConfig, registry *PluginRegistry, logger *zap.Logger) *Factory {
	if registry == nil {
		registry = DefaultPluginRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		defaults: defaults,
		registry: registry,
		logger:   logger.Named("factory"),
	}
}

// Build constructs a runtime for a tenant key.
//
// A nil cfg builds with process defaults. Otherwise non-empty tenant option
// fields override the defaults, and cfg.EnabledPlugins are registered in
// addition to the baseline set (unknown names are logged and skipped).
//
// collection names the tenant's dedicated Qdrant collection; pass "" when
// provisioning failed, which builds the runtime in degraded mode with an
// embedded volatile store instead.
func (f *Factory) Build(ctx context.Context, key tenant.Key, cfg *configstore.TenantConfig, collection string) (*Runtime, error) {
	completion := f.defaults.Completion
	embedding := f.defaults.Embedding
	var enabled []string
	var apiKeys map[string]config.Secret

	if cfg != nil {
		completion = mergeOptions(completion, cfg.CompletionOptions)
		embedding = mergeOptions(embedding, cfg.EmbeddingOptions)
		enabled = cfg.EnabledPlugins
		apiKeys = cfg.APIKeys
	}

	if completion.ModelID == "" {
		return nil, ErrNoCompletionModel
	}

	plugins := f.registry.Baseline()
	for _, name := range enabled {
		p, ok := f.registry.Lookup(name)
		if !ok {
			f.logger.Warn("skipping unknown plugin",
				zap.String("plugin", name), zap.String("tenant", key.String()))
			continue
		}
		if p.Baseline {
			continue // already registered
		}
		plugins = append(plugins, p)
	}

	memory, err := f.buildMemory(key, embedding, apiKeys, collection)
	if err != nil {
		return nil, fmt.Errorf("build memory backend: %w", err)
	}

	r := &Runtime{
		id:         uuid.NewString(),
		createdOn:  time.Now(),
		completion: completion,
		embedding:  embedding,
		plugins:    plugins,
		memory:     memory,
	}

	f.logger.Info("built runtime",
		zap.String("tenant", key.String()),
		zap.String("runtime_id", r.id),
		zap.String("completion_model", completion.ModelID),
		zap.Strings("plugins", r.Plugins()),
		zap.Bool("degraded", memory.Degraded()))

	return r, nil
}

func (f *Factory) buildMemory(key tenant.Key, embedding config.LLMOptions, apiKeys map[string]config.Secret, collection string) (MemoryBackend, error) {
	if collection != "" {
		return MemoryBackend{Kind: MemoryDedicated, Collection: collection}, nil
	}

	// Degraded mode: embedded in-process store scoped to this runtime.
	name := tenant.Collection(key, tenant.DefaultKind).String()
	db := chromem.NewDB()
	coll, err := db.CreateCollection(name, nil, f.embeddingFunc(embedding, apiKeys))
	if err != nil {
		return MemoryBackend{}, fmt.Errorf("create volatile collection: %w", err)
	}
	return MemoryBackend{Kind: MemoryVolatile, Collection: name, Volatile: coll}, nil
}

func (f *Factory) embeddingFunc(embedding config.LLMOptions, apiKeys map[string]config.Secret) chromem.EmbeddingFunc {
	apiKey := apiKeys["openai"].Value()
	if embedding.Endpoint != "" {
		normalized := true
		return chromem.NewEmbeddingFuncOpenAICompat(embedding.Endpoint, apiKey, embedding.ModelID, &normalized)
	}
	return chromem.NewEmbeddingFuncOpenAI(apiKey, chromem.EmbeddingModelOpenAI(embedding.ModelID))
}

// mergeOptions applies non-empty override fields onto base.
func mergeOptions(base, override config.LLMOptions) config.LLMOptions {
	out := base
	if override.ModelID != "" {
		out.ModelID = override.ModelID
	}
	if override.Endpoint != "" {
		out.Endpoint = override.Endpoint
	}
	if override.Temperature != 0 {
		out.Temperature = override.Temperature
	}
	if override.MaxTokens != 0 {
		out.MaxTokens = override.MaxTokens
	}
	return out
}
