package embedder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Per-call timeouts. Encoding many segments through a loaded model is
// slow, and the service serializes callers, so encode calls get a very
// long wall-clock budget.
const (
	encodeTimeout = 30 * time.Minute
	statusTimeout = 30 * time.Second
)

// Client is the worker-process counterpart of the shared model service.
// It never retries: any transport error, non-2xx status, or explicit
// success=false body surfaces as a single error and retry policy is the
// caller's business.
type Client struct {
	baseURL      string
	encodeClient *http.Client
	statusClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		encodeClient: &http.Client{Timeout: encodeTimeout},
		statusClient: &http.Client{Timeout: statusTimeout},
	}
}

type encodeVideoRequest struct {
	VideoBatch []string `json:"video_batch"`
}

type encodeQueryRequest struct {
	Query string `json:"query"`
}

type encodeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Result  string `json:"result,omitempty"`
	Shape   []int  `json:"shape,omitempty"`
	Dtype   string `json:"dtype,omitempty"`
}

type statusResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Status  Status `json:"status"`
}

// Status fetches the service's model snapshot. Workers call this before
// starting a pipeline to verify the service is reachable and the model
// is where they expect it.
func (c *Client) Status() (Status, error) {
	resp, err := c.statusClient.Get(c.baseURL + "/api/imagebind/status")
	if err != nil {
		return Status{}, fmt.Errorf("embedder status: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Status{}, fmt.Errorf("embedder status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("embedder status: HTTP %d: %s", resp.StatusCode, body)
	}
	var sr statusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return Status{}, fmt.Errorf("embedder status: %w", err)
	}
	if !sr.Success {
		return Status{}, fmt.Errorf("embedder status: %s", sr.Error)
	}
	return sr.Status, nil
}

// EncodeVideoBatch asks the service to run the model over segment clip
// files and returns one vector per clip.
func (c *Client) EncodeVideoBatch(clipPaths []string) ([][]float32, error) {
	resp, err := c.post("/api/imagebind/encode/video", encodeVideoRequest{VideoBatch: clipPaths})
	if err != nil {
		return nil, err
	}
	return DecodeMatrix(resp.Result, resp.Shape)
}

// EncodeQuery embeds a query string.
func (c *Client) EncodeQuery(query string) ([]float32, error) {
	resp, err := c.post("/api/imagebind/encode/query", encodeQueryRequest{Query: query})
	if err != nil {
		return nil, err
	}
	return DecodeVector(resp.Result, resp.Shape)
}

func (c *Client) post(path string, payload any) (*encodeResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.encodeClient.Post(c.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("embedder call %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedder call %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedder call %s: HTTP %d: %s", path, resp.StatusCode, body)
	}
	var er encodeResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, fmt.Errorf("embedder call %s: %w", path, err)
	}
	if !er.Success {
		return nil, fmt.Errorf("embedder call %s: %s", path, er.Error)
	}
	return &er, nil
}
