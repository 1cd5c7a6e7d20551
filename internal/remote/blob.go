package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/urbanforestry/treesync/internal/config"
	"github.com/urbanforestry/treesync/internal/uuid"
)

// BlobClient uploads and deletes inspection images in blob storage.
// Uploaded blobs are publicly addressable by URL.
type BlobClient struct {
	baseURL    string
	container  string
	accessKey  string
	httpClient *http.Client
}

// NewBlobClient creates a blob-storage client.
func NewBlobClient(cfg config.BlobConfig, timeout time.Duration) *BlobClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BlobClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		container:  cfg.Container,
		accessKey:  cfg.AccessKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ImageFilename generates a unique blob name for one of a record's images.
// Retried creates regenerate names, so a partial failure can leave orphan
// blobs behind; see the orchestrator notes.
func ImageFilename(recordID string) string {
	suffix := strings.ReplaceAll(uuid.New(), "-", "")[:8]
	return fmt.Sprintf("inspection-%s-%s.jpg", recordID, suffix)
}

func (c *BlobClient) objectURL(fileName string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.container, fileName)
}

// Upload PUTs binary image content under fileName and returns the public
// URL of the stored blob.
func (c *BlobClient) Upload(ctx context.Context, fileName string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(fileName), bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
	if c.accessKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", (&RemoteError{Entity: "blob", Op: "upload", Err: err}).AsAppError()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", (&RemoteError{
			Entity:     "blob",
			Op:         "upload",
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}).AsAppError()
	}

	return c.objectURL(fileName), nil
}

// Delete removes a blob by filename.
func (c *BlobClient) Delete(ctx context.Context, fileName string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(fileName), nil)
	if err != nil {
		return err
	}
	if c.accessKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return (&RemoteError{Entity: "blob", Op: "delete", Err: err}).AsAppError()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return (&RemoteError{
			Entity:     "blob",
			Op:         "delete",
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}).AsAppError()
	}
	return nil
}
