package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

// RemoteConfig describes an HTTP scoring service. Endpoints are tried in
// order until one answers; AuthEnv names an environment variable holding a
// bearer token, empty for unauthenticated services.
type RemoteConfig struct {
	Endpoints []string
	Timeout   time.Duration
	AuthEnv   string
}

// RemoteClient scores candidates against a remote service. It doubles as
// the pooled resource backing the "scorer" kind: Ping probes the service
// and Close drops idle connections.
type RemoteClient struct {
	endpoints []string
	token     string
	http      *http.Client
}

func NewRemoteClient(cfg RemoteConfig) (*RemoteClient, error) {
	endpoints := normalizeEndpoints(cfg.Endpoints)
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("remote scorer requires at least one endpoint")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	token := ""
	if cfg.AuthEnv != "" {
		token = strings.TrimSpace(os.Getenv(cfg.AuthEnv))
	}
	return &RemoteClient{
		endpoints: endpoints,
		token:     token,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}, nil
}

type scoreRequest struct {
	TargetID   string `json:"target_id"`
	Class      string `json:"class"`
	Signal     string `json:"signal"`
	InputSize  int    `json:"input_size"`
	Generation int    `json:"generation"`
}

type scoreResponse struct {
	Score *float64 `json:"score"`
}

func (c *RemoteClient) Score(ctx context.Context, features FeatureVector) (float64, error) {
	if c == nil {
		return 0, fmt.Errorf("remote client is nil")
	}
	payload, err := json.Marshal(scoreRequest{
		TargetID:   features.TargetID,
		Class:      features.Class,
		Signal:     features.Signal,
		InputSize:  features.InputSize,
		Generation: features.Generation,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	failures := make([]string, 0, len(c.endpoints))
	for _, endpoint := range c.endpoints {
		value, err := c.scoreAtEndpoint(ctx, endpoint+"/score", payload)
		if err == nil {
			return value, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		failures = append(failures, fmt.Sprintf("%s (%v)", endpoint, err))
	}
	return 0, fmt.Errorf("score failed across endpoints: %s: %w", strings.Join(failures, " | "), ErrProviderUnavailable)
}

func (c *RemoteClient) scoreAtEndpoint(ctx context.Context, url string, payload []byte) (float64, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(request)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status %s", resp.Status)
	}

	var decoded scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if decoded.Score == nil {
		return 0, fmt.Errorf("response missing score")
	}
	value := *decoded.Score
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("score %v is not finite", value)
	}
	return value, nil
}

// Ping probes the service health endpoint, trying each endpoint in order.
func (c *RemoteClient) Ping(ctx context.Context) error {
	failures := make([]string, 0, len(c.endpoints))
	for _, endpoint := range c.endpoints {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/healthz", nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		resp, err := c.http.Do(request)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s (%v)", endpoint, err))
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		failures = append(failures, fmt.Sprintf("%s (status %s)", endpoint, resp.Status))
	}
	return fmt.Errorf("scorer unhealthy: %s", strings.Join(failures, " | "))
}

func (c *RemoteClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func normalizeEndpoints(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := map[string]struct{}{}
	for _, token := range raw {
		normalized := normalizeEndpoint(token)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

func normalizeEndpoint(endpoint string) string {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return trimmed
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	return strings.TrimRight(trimmed, "/")
}
