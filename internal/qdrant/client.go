// Package qdrant provides a thin HTTP client for the Qdrant collections API.
//
// Only collection-level administration is implemented here: point upserts and
// searches go through each runtime's own memory store. The wire contract is
// the Qdrant REST surface on port 6333 (not the gRPC port 6334).
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/randallgann/chat-copilot/internal/config"
)

// Tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("copilotd.qdrant")

// DistanceCosine is the similarity metric used for all tenant collections.
const DistanceCosine = "Cosine"

// Config holds configuration for the Qdrant HTTP client.
type Config struct {
	// Endpoint is the base URL, e.g. "http://localhost:6333".
	Endpoint string

	// APIKey is sent as the api-key header when set.
	APIKey config.Secret

	// VectorSize is the dimensionality of embeddings stored in tenant
	// collections. MUST match the embedding model output dimensions.
	VectorSize int

	// Timeout bounds every outbound call. Default: 10 seconds.
	Timeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.VectorSize == 0 {
		c.VectorSize = 1536
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("qdrant: endpoint required")
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("qdrant: invalid vector size: %d", c.VectorSize)
	}
	return nil
}

// Client talks to the Qdrant collections REST API.
type Client struct {
	endpoint   string
	apiKey     config.Secret
	vectorSize int
	httpc      *http.Client
	logger     *zap.Logger
}

// NewClient creates a Qdrant HTTP client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		vectorSize: cfg.VectorSize,
		httpc:      &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("qdrant"),
	}, nil
}

// createRequest is the body of PUT /collections/{name}.
type createRequest struct {
	Vectors vectorParams `json:"vectors"`
}

type vectorParams struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
}

// listResponse is the envelope of GET /collections.
type listResponse struct {
	Result struct {
		Collections []struct {
			Name string `json:"name"`
		} `json:"collections"`
	} `json:"result"`
}

// Exists reports whether the named collection is present. Any failure,
// including transport errors, counts as absent and is logged, never fatal.
func (c *Client) Exists(ctx context.Context, name string) bool {
	ctx, span := tracer.Start(ctx, "qdrant.Exists")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	resp, err := c.do(ctx, http.MethodGet, "/collections/"+name, nil)
	if err != nil {
		c.logger.Warn("collection existence check failed",
			zap.String("collection", name), zap.Error(err))
		span.RecordError(err)
		return false
	}
	defer drainClose(resp)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Create provisions a collection with the configured vector size and cosine
// distance.
func (c *Client) Create(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "qdrant.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("vector_size", c.vectorSize),
	)

	body, err := json.Marshal(createRequest{
		Vectors: vectorParams{Size: c.vectorSize, Distance: DistanceCosine},
	})
	if err != nil {
		return fmt.Errorf("qdrant: marshal create request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPut, "/collections/"+name, body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("qdrant: create collection %s: %w", name, err)
	}
	defer drainClose(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("qdrant: create collection %s: status %d", name, resp.StatusCode)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	c.logger.Info("created collection",
		zap.String("collection", name), zap.Int("vector_size", c.vectorSize))
	return nil
}

// EnsureExists checks for the collection and creates it when absent. It
// returns true iff the collection is present by the end of the call. A false
// return means degraded mode for the caller, not a fatal error.
func (c *Client) EnsureExists(ctx context.Context, name string) bool {
	ctx, span := tracer.Start(ctx, "qdrant.EnsureExists")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	if c.Exists(ctx, name) {
		return true
	}
	if err := c.Create(ctx, name); err != nil {
		c.logger.Warn("collection provisioning failed, continuing degraded",
			zap.String("collection", name), zap.Error(err))
		span.RecordError(err)
		return false
	}
	return true
}

// Delete removes a collection. An already-absent collection counts as
// success.
func (c *Client) Delete(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "qdrant.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	resp, err := c.do(ctx, http.MethodDelete, "/collections/"+name, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("qdrant: delete collection %s: %w", name, err)
	}
	defer drainClose(resp)

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("qdrant: delete collection %s: status %d", name, resp.StatusCode)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// List returns the names of every collection on the server.
func (c *Client) List(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "qdrant.List")
	defer span.End()

	resp, err := c.do(ctx, http.MethodGet, "/collections", nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("qdrant: list collections: %w", err)
	}
	defer drainClose(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("qdrant: list collections: status %d", resp.StatusCode)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var envelope listResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("qdrant: decode list response: %w", err)
	}

	names := make([]string, 0, len(envelope.Result.Collections))
	for _, coll := range envelope.Result.Collections {
		names = append(names, coll.Name)
	}
	return names, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey.IsSet() {
		req.Header.Set("api-key", c.apiKey.Value())
	}
	return c.httpc.Do(req)
}

// drainClose discards the remaining body so the connection can be reused.
func drainClose(resp *http.Response) {
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()
}
