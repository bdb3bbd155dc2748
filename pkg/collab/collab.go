// Package collab holds the HTTP clients for the media sidecar services:
// asset generation (TTS + stock clips), rendering, and the upload
// target. The sidecars own the expensive media work; these clients only
// coordinate it. Requests carry no client-side timeout — the stage
// context bounds every call.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/clipcast/clipcast/pkg/config"
	"github.com/clipcast/clipcast/pkg/models"
	"github.com/clipcast/clipcast/pkg/pipeline"
	"github.com/clipcast/clipcast/pkg/upload"
)

// AssetClient calls the asset-generation sidecar.
type AssetClient struct {
	httpClient *http.Client
	baseURL    string
	behavior   *config.ChannelBehavior
}

// NewAssetClient creates the client.
func NewAssetClient(baseURL string, behavior *config.ChannelBehavior) *AssetClient {
	return &AssetClient{
		httpClient: &http.Client{},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		behavior:   behavior,
	}
}

// NewAssetClientFromEnv reads ASSET_SERVICE_URL.
func NewAssetClientFromEnv(behavior *config.ChannelBehavior) (*AssetClient, error) {
	url := os.Getenv("ASSET_SERVICE_URL")
	if url == "" {
		return nil, fmt.Errorf("ASSET_SERVICE_URL is not set")
	}
	return NewAssetClient(url, behavior), nil
}

type assetRequest struct {
	VideoID     string   `json:"videoId"`
	ChannelID   string   `json:"channelId"`
	Scenes      []string `json:"scenes"`
	BGMCategory string   `json:"bgmCategory,omitempty"`
}

type assetResponse struct {
	AudioPath string   `json:"audioPath"`
	ClipPaths []string `json:"clipPaths"`
}

// ProduceAssets implements pipeline.AssetProducer.
func (c *AssetClient) ProduceAssets(ctx context.Context, job *models.Job, progress pipeline.Progress) (*pipeline.AssetResult, error) {
	progress(30, "generating assets")
	var resp assetResponse
	err := post(ctx, c.httpClient, c.baseURL+"/assets", assetRequest{
		VideoID:     job.ID,
		ChannelID:   job.ChannelID,
		Scenes:      job.Scenes,
		BGMCategory: c.behavior.BGMCategory(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &pipeline.AssetResult{AudioPath: resp.AudioPath, ClipPaths: resp.ClipPaths}, nil
}

// RenderClient calls the rendering sidecar. The sidecar locates the
// job's assets on shared storage by video id.
type RenderClient struct {
	httpClient *http.Client
	baseURL    string
	behavior   *config.ChannelBehavior
}

// NewRenderClient creates the client.
func NewRenderClient(baseURL string, behavior *config.ChannelBehavior) *RenderClient {
	return &RenderClient{
		httpClient: &http.Client{},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		behavior:   behavior,
	}
}

// NewRenderClientFromEnv reads RENDER_SERVICE_URL.
func NewRenderClientFromEnv(behavior *config.ChannelBehavior) (*RenderClient, error) {
	url := os.Getenv("RENDER_SERVICE_URL")
	if url == "" {
		return nil, fmt.Errorf("RENDER_SERVICE_URL is not set")
	}
	return NewRenderClient(url, behavior), nil
}

type renderRequest struct {
	VideoID   string   `json:"videoId"`
	ChannelID string   `json:"channelId"`
	Title     string   `json:"title"`
	Scenes    []string `json:"scenes"`
	LongForm  bool     `json:"longForm,omitempty"`
}

type renderResponse struct {
	FilePath      string `json:"filePath"`
	ThumbnailPath string `json:"thumbnailPath"`
}

// Render implements pipeline.Renderer.
func (c *RenderClient) Render(ctx context.Context, job *models.Job, progress pipeline.Progress) (*pipeline.RenderResult, error) {
	progress(70, "rendering")
	var resp renderResponse
	err := post(ctx, c.httpClient, c.baseURL+"/render", renderRequest{
		VideoID:   job.ID,
		ChannelID: job.ChannelID,
		Title:     job.Title,
		Scenes:    job.Scenes,
		LongForm:  c.behavior.IsLongForm,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &pipeline.RenderResult{FilePath: resp.FilePath, ThumbnailPath: resp.ThumbnailPath}, nil
}

// UploadClient calls the upload sidecar fronting the video platform.
type UploadClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewUploadClient creates the client.
func NewUploadClient(baseURL string) *UploadClient {
	return &UploadClient{
		httpClient: &http.Client{},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// NewUploadClientFromEnv reads UPLOAD_SERVICE_URL.
func NewUploadClientFromEnv() (*UploadClient, error) {
	url := os.Getenv("UPLOAD_SERVICE_URL")
	if url == "" {
		return nil, fmt.Errorf("UPLOAD_SERVICE_URL is not set")
	}
	return NewUploadClient(url), nil
}

type uploadRequest struct {
	VideoID       string   `json:"videoId"`
	ChannelID     string   `json:"channelId"`
	FilePath      string   `json:"filePath"`
	ThumbnailPath string   `json:"thumbnailPath,omitempty"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

type uploadResponse struct {
	URL string `json:"url"`
}

// Upload implements upload.Uploader. Error text from the sidecar is
// preserved verbatim: the upload worker and retry controller inspect it
// for quota markers.
func (c *UploadClient) Upload(ctx context.Context, job *models.Job, meta upload.Metadata) (*upload.Result, error) {
	var resp uploadResponse
	err := post(ctx, c.httpClient, c.baseURL+"/upload", uploadRequest{
		VideoID:       job.ID,
		ChannelID:     job.ChannelID,
		FilePath:      job.FilePath,
		ThumbnailPath: job.ThumbnailPath,
		Title:         meta.Title,
		Description:   meta.Description,
		Tags:          meta.Tags,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.URL == "" {
		return nil, fmt.Errorf("upload sidecar returned no url")
	}
	return &upload.Result{URL: resp.URL}, nil
}

// post sends one JSON request and decodes the JSON response. Non-2xx
// responses become errors carrying the (capped) response body.
func post(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s",
			url, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}
