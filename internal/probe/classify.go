package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Tag is a single classification label for a piece of content.
type Tag struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classifier assigns tags to image content. Load is called once per job
// cycle before the first Classify, so expensive model warm-up is amortized
// across tasks of the same type.
type Classifier interface {
	Load(ctx context.Context) error
	Classify(ctx context.Context, path string) ([]Tag, error)
}

// HTTPClassifier delegates classification to a remote inference endpoint.
// Load performs a warm-up request so the endpoint pulls its model before
// the first real task.
type HTTPClassifier struct {
	Endpoint string
	Root     string
	Client   *http.Client
}

type classifyResponse struct {
	Tags []Tag `json:"tags"`
}

func (c *HTTPClassifier) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: 2 * time.Minute}
}

func (c *HTTPClassifier) Load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+"/ready", nil)
	if err != nil {
		return err
	}
	res, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("classifier %s not ready: %w", c.Endpoint, err)
	}
	res.Body.Close()
	if res.StatusCode >= 400 {
		return fmt.Errorf("classifier %s not ready: %s", c.Endpoint, res.Status)
	}
	return nil
}

func (c *HTTPClassifier) Classify(ctx context.Context, path string) ([]Tag, error) {
	osPath := filepath.Join(c.Root, filepath.FromSlash(strings.TrimPrefix(path, "/")))
	f, err := os.Open(osPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/classify", f)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	res, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier %s: %s", c.Endpoint, res.Status)
	}

	var parsed classifyResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	return parsed.Tags, nil
}
