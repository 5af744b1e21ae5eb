package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/miradorstack/mirador-heal/internal/cache"
)

const providerStatusCacheKey = "mirador-heal:provider-status"

// ProviderStatus is the upstream model provider status document.
type ProviderStatus struct {
	Status    string            `json:"status"`
	Providers map[string]string `json:"providers,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Healthy reports whether the overall status is operational.
func (s ProviderStatus) Healthy() bool {
	switch strings.ToLower(s.Status) {
	case "ok", "operational", "healthy", "up":
		return true
	}
	return false
}

// Degraded lists providers whose individual status is not operational.
func (s ProviderStatus) Degraded() []string {
	var out []string
	for name, st := range s.Providers {
		if !(ProviderStatus{Status: st}).Healthy() {
			out = append(out, name)
		}
	}
	return out
}

// ProviderClient probes the upstream model provider status endpoint.
type ProviderClient struct {
	baseURL    string
	statusPath string
	httpClient *http.Client
	cache      cache.Provider
	cacheTTL   time.Duration
	logger     *slog.Logger
}

// NewProviderClient constructs a client targeting baseURL.
func NewProviderClient(baseURL, statusPath string, timeout time.Duration, cacheProvider cache.Provider, cacheTTL time.Duration) *ProviderClient {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if statusPath == "" {
		statusPath = "/status"
	}
	return &ProviderClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		statusPath: statusPath,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cacheProvider,
		cacheTTL:   cacheTTL,
		logger:     slog.Default(),
	}
}

// Configured reports whether a base URL was supplied.
func (c *ProviderClient) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Status fetches the status document, serving a cached copy while it is fresh.
func (c *ProviderClient) Status(ctx context.Context) (ProviderStatus, error) {
	if c.cacheTTL > 0 {
		if raw, err := c.cache.Get(ctx, providerStatusCacheKey); err == nil {
			var cached ProviderStatus
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Debug("provider status cache read failed", slog.Any("error", err))
		}
	}

	var status ProviderStatus
	if err := c.getJSON(ctx, c.resolvePath(c.statusPath), &status); err != nil {
		return ProviderStatus{}, err
	}
	if status.CheckedAt.IsZero() {
		status.CheckedAt = time.Now().UTC()
	}

	if c.cacheTTL > 0 {
		if raw, err := json.Marshal(status); err == nil {
			if err := c.cache.Set(ctx, providerStatusCacheKey, raw, c.cacheTTL); err != nil {
				c.logger.Debug("provider status cache write failed", slog.Any("error", err))
			}
		}
	}
	return status, nil
}

func (c *ProviderClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *ProviderClient) getJSON(ctx context.Context, endpoint string, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider status returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
