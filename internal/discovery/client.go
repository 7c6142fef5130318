// Package discovery asks an AI recommendation endpoint to turn a
// natural-language query into a list of package names. Discovery-mode
// searches fold that list into one registry bulk fetch.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultLimit  = 20
	redisCacheKey = "pkgsearch:discovery:"
)

type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	redis    *redis.Client
	cacheTTL time.Duration
	limit    int
}

type Config struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
	Redis    *redis.Client
	CacheTTL time.Duration
	Limit    int
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Client{
		endpoint: strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		apiKey:   strings.TrimSpace(cfg.APIKey),
		http:     httpClient,
		redis:    cfg.Redis,
		cacheTTL: cacheTTL,
		limit:    limit,
	}
}

func (c *Client) Enabled() bool {
	return c.endpoint != ""
}

type recommendRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type recommendResponse struct {
	Packages []struct {
		Name string `json:"name"`
	} `json:"packages"`
}

// Discover returns recommended package names for query, most relevant
// first. Identical queries are served from Redis when available.
func (c *Client) Discover(ctx context.Context, query string) ([]string, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("discovery endpoint is not configured")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}

	cacheKey := redisCacheKey + strings.ToLower(query)
	if c.redis != nil {
		data, err := c.redis.Get(ctx, cacheKey).Bytes()
		if err == nil {
			var names []string
			if json.Unmarshal(data, &names) == nil {
				return names, nil
			}
		}
	}

	payload, err := json.Marshal(recommendRequest{Query: query, Limit: c.limit})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/recommendations", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("discovery HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return nil, err
	}
	var response recommendResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(response.Packages))
	seen := make(map[string]struct{}, len(response.Packages))
	for _, pkg := range response.Packages {
		name := strings.TrimSpace(pkg.Name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
		if len(names) >= c.limit {
			break
		}
	}

	if c.redis != nil {
		if data, err := json.Marshal(names); err == nil {
			_ = c.redis.Set(ctx, cacheKey, data, c.cacheTTL).Err()
		}
	}
	return names, nil
}
