package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// PlatformIndexClient lists titles already published on the target
// platform channel, for dedup against uploads that predate the job
// store. The sidecar caches the platform listing; this call is cheap.
type PlatformIndexClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewPlatformIndexClient creates the client.
func NewPlatformIndexClient(baseURL string) *PlatformIndexClient {
	return &PlatformIndexClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// NewPlatformIndexClientFromEnv reads PLATFORM_INDEX_URL, returning nil
// when unset. The gate skips platform dedup for a nil index, so the
// check is opt-in per deployment.
func NewPlatformIndexClientFromEnv() *PlatformIndexClient {
	base := os.Getenv("PLATFORM_INDEX_URL")
	if base == "" {
		slog.Info("Platform title dedup disabled")
		return nil
	}
	return NewPlatformIndexClient(base)
}

type platformTitlesResponse struct {
	Titles []string `json:"titles"`
}

// PublishedTitles implements ingest.PlatformIndex.
func (c *PlatformIndexClient) PublishedTitles(ctx context.Context, channelID string) ([]string, error) {
	endpoint := c.baseURL + "/channels/" + url.PathEscape(channelID) + "/titles"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned %d: %s",
			endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed platformTitlesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
	}
	return parsed.Titles, nil
}
