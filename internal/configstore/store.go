package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/randallgann/chat-copilot/internal/config"
	"github.com/randallgann/chat-copilot/internal/tenant"
)

// ErrNotFound is returned when no record exists for a tenant key.
var ErrNotFound = errors.New("tenant config not found")

// Store is a SQLite-backed repository of TenantConfig records.
type Store struct {
	db *sql.DB
}

// New opens (and if needed creates) the store at dbPath. ":memory:" gives an
// ephemeral store for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tenant_configs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			context_id TEXT NOT NULL,
			created_on TIMESTAMP NOT NULL,
			updated_on TIMESTAMP NOT NULL,
			settings TEXT,
			completion_options TEXT NOT NULL,
			embedding_options TEXT NOT NULL,
			enabled_plugins TEXT,
			api_keys TEXT,
			context_settings TEXT,
			UNIQUE (user_id, context_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tenant_configs_user ON tenant_configs(user_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Get returns the record for a tenant key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key tenant.Key) (*TenantConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, context_id, created_on, updated_on,
		       settings, completion_options, embedding_options,
		       enabled_plugins, api_keys, context_settings
		FROM tenant_configs WHERE user_id = ? AND context_id = ?`,
		key.UserID, key.ContextID)

	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant config: %w", err)
	}
	return cfg, nil
}

// ListByUser returns every record for a user, across contexts.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*TenantConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, context_id, created_on, updated_on,
		       settings, completion_options, embedding_options,
		       enabled_plugins, api_keys, context_settings
		FROM tenant_configs WHERE user_id = ? ORDER BY context_id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant configs: %w", err)
	}
	defer rows.Close()

	var configs []*TenantConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant config: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// Upsert writes a record, overwriting any existing one for the same tenant
// key while preserving its ID and CreatedOn. An empty ContextID is stored as
// the default context.
func (s *Store) Upsert(ctx context.Context, cfg *TenantConfig) error {
	if cfg.UserID == "" {
		return tenant.ErrInvalidUserID
	}
	if cfg.ContextID == "" {
		cfg.ContextID = tenant.DefaultContextID
	}

	now := time.Now().UTC()
	existing, err := s.Get(ctx, cfg.Key())
	switch {
	case err == nil:
		cfg.ID = existing.ID
		cfg.CreatedOn = existing.CreatedOn
	case errors.Is(err, ErrNotFound):
		cfg.ID = uuid.NewString()
		cfg.CreatedOn = now
	default:
		return err
	}
	cfg.UpdatedOn = now

	settings, err := marshalField(cfg.Settings)
	if err != nil {
		return err
	}
	completion, err := json.Marshal(cfg.CompletionOptions)
	if err != nil {
		return fmt.Errorf("failed to marshal completion options: %w", err)
	}
	embedding, err := json.Marshal(cfg.EmbeddingOptions)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding options: %w", err)
	}
	plugins, err := marshalField(cfg.EnabledPlugins)
	if err != nil {
		return err
	}
	apiKeys, err := marshalAPIKeys(cfg.APIKeys)
	if err != nil {
		return err
	}
	contextSettings, err := marshalField(cfg.ContextSettings)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenant_configs
			(id, user_id, context_id, created_on, updated_on,
			 settings, completion_options, embedding_options,
			 enabled_plugins, api_keys, context_settings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, context_id) DO UPDATE SET
			updated_on = excluded.updated_on,
			settings = excluded.settings,
			completion_options = excluded.completion_options,
			embedding_options = excluded.embedding_options,
			enabled_plugins = excluded.enabled_plugins,
			api_keys = excluded.api_keys,
			context_settings = excluded.context_settings`,
		cfg.ID, cfg.UserID, cfg.ContextID, cfg.CreatedOn, cfg.UpdatedOn,
		settings, string(completion), string(embedding),
		plugins, apiKeys, contextSettings)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant config: %w", err)
	}
	return nil
}

// Delete removes the record for a tenant key. Deleting a missing record is
// not an error.
func (s *Store) Delete(ctx context.Context, key tenant.Key) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tenant_configs WHERE user_id = ? AND context_id = ?`,
		key.UserID, key.ContextID)
	if err != nil {
		return fmt.Errorf("failed to delete tenant config: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*TenantConfig, error) {
	var (
		cfg             TenantConfig
		settings        sql.NullString
		completion      string
		embedding       string
		plugins         sql.NullString
		apiKeys         sql.NullString
		contextSettings sql.NullString
	)
	err := row.Scan(&cfg.ID, &cfg.UserID, &cfg.ContextID, &cfg.CreatedOn, &cfg.UpdatedOn,
		&settings, &completion, &embedding, &plugins, &apiKeys, &contextSettings)
	if err != nil {
		return nil, err
	}

	if err := unmarshalField(settings, &cfg.Settings); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(completion), &cfg.CompletionOptions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal completion options: %w", err)
	}
	if err := json.Unmarshal([]byte(embedding), &cfg.EmbeddingOptions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedding options: %w", err)
	}
	if err := unmarshalField(plugins, &cfg.EnabledPlugins); err != nil {
		return nil, err
	}
	if apiKeys.Valid && apiKeys.String != "" {
		// Secrets marshal redacted, so API keys round-trip through a
		// plain string map rather than the TenantConfig JSON tags.
		raw := map[string]string{}
		if err := json.Unmarshal([]byte(apiKeys.String), &raw); err != nil {
			return nil, fmt.Errorf("failed to unmarshal api keys: %w", err)
		}
		cfg.APIKeys = make(map[string]config.Secret, len(raw))
		for name, value := range raw {
			cfg.APIKeys[name] = config.Secret(value)
		}
	}
	if err := unmarshalField(contextSettings, &cfg.ContextSettings); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func marshalField(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal field: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func marshalAPIKeys(keys map[string]config.Secret) (sql.NullString, error) {
	if len(keys) == 0 {
		return sql.NullString{String: "{}", Valid: true}, nil
	}
	raw := make(map[string]string, len(keys))
	for name, secret := range keys {
		raw[name] = secret.Value()
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal api keys: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalField(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" || src.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("failed to unmarshal field: %w", err)
	}
	return nil
}
