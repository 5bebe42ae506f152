// Package client is the HTTP client for the engine's job control surface.
// The stream subsystem only consumes jobs; creating, listing, cancelling
// and receipt retrieval go through here.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TokenSource supplies the current base endpoint and bearer token. It is
// re-read per request so credentials can be swapped at runtime.
type TokenSource interface {
	Credentials() (baseURL, token string)
}

type staticSource struct {
	baseURL string
	token   string
}

func (s staticSource) Credentials() (string, string) { return s.baseURL, s.token }

// StaticSource returns a TokenSource with fixed values.
func StaticSource(baseURL, token string) TokenSource {
	return staticSource{baseURL: baseURL, token: token}
}

// Client provides HTTP client functionality to communicate with the engine.
type Client struct {
	src    TokenSource
	client *http.Client
	logger *slog.Logger
}

// Config holds client configuration.
type Config struct {
	Source   TokenSource
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for the client.
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// New creates a new engine API client.
func New(config Config) *Client {
	if config.Source == nil {
		config.Source = StaticSource("http://localhost:8791", "")
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		src:    config.Source,
		logger: config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the engine is running and reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.EngineStatus(ctx)
	if err != nil {
		c.logger.Debug("engine unreachable", "error", err)
		return false
	}
	return true
}

// EngineStatus fetches the engine's status block.
func (c *Client) EngineStatus(ctx context.Context) (EngineStatus, error) {
	var out EngineStatus
	if err := c.doJSON(ctx, http.MethodGet, "/v1/engine/status", nil, &out); err != nil {
		return EngineStatus{}, err
	}
	return out, nil
}

// CreateJob submits a new job. An empty idempotencyKey is replaced with a
// generated one so retried submissions cannot double-create.
func (c *Client) CreateJob(ctx context.Context, config JobConfig, idempotencyKey string) (Job, error) {
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	c.logger.Debug("creating job", "idempotency_key", idempotencyKey)

	req := JobCreateRequest{Config: config, IdempotencyKey: idempotencyKey}
	var out Job
	if err := c.doJSON(ctx, http.MethodPost, "/v1/jobs", req, &out); err != nil {
		return Job{}, err
	}
	c.logger.Debug("job created", "job_id", out.JobID, "state", out.State)
	return out, nil
}

// ListJobs lists jobs, optionally filtered by state. limit <= 0 uses the
// engine default.
func (c *Client) ListJobs(ctx context.Context, states []string, limit int) ([]Job, error) {
	q := url.Values{}
	if len(states) > 0 {
		q.Set("state", strings.Join(states, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/jobs"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var out []Job
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetJob fetches one job by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var out Job
	if err := c.doJSON(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return Job{}, err
	}
	return out, nil
}

// GetReceipt fetches the terminal-state receipt for a job.
func (c *Client) GetReceipt(ctx context.Context, jobID string) (Receipt, error) {
	var out Receipt
	if err := c.doJSON(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID)+"/receipt", nil, &out); err != nil {
		return Receipt{}, err
	}
	return out, nil
}

// CancelJob requests cancellation. Best-effort and asynchronous: the engine
// acknowledges the request, the actual stop arrives later on the feed.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	c.logger.Debug("cancelling job", "job_id", jobID)
	return c.doJSON(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

// doJSON performs one request with bearer auth and JSON bodies both ways.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	base, token := c.src.Credentials()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(base, "/")+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "method", method, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.errorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorFrom decodes the engine's error body, falling back to the status code.
func (c *Client) errorFrom(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("API request failed", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Error("API request failed", "error", errorResp.Error, "code", errorResp.Code, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}

// setupClientTLS configures TLS settings for the HTTP client.
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads a CA certificate from file and adds it to the TLS config.
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}
