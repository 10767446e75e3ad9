package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrRejected is returned when the server refuses a submitted graph.
var ErrRejected = errors.New("inference server rejected job")

// Client talks to the inference service running on an instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for one base URL such as http://1.2.3.4:8188.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// Health succeeds when the lightweight status endpoint answers 200.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// Models lists checkpoint names known to the checkpoint loader node.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	var info map[string]struct {
		Input struct {
			Required map[string]json.RawMessage `json:"required"`
		} `json:"input"`
	}
	if err := c.getJSON(ctx, "/object_info/CheckpointLoaderSimple", &info); err != nil {
		return nil, err
	}
	node, ok := info["CheckpointLoaderSimple"]
	if !ok {
		return nil, nil
	}
	raw, ok := node.Input.Required["ckpt_name"]
	if !ok {
		return nil, nil
	}
	// The input spec is [[choices...], {options}].
	var spec []json.RawMessage
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decode checkpoint input spec: %w", err)
	}
	if len(spec) == 0 {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal(spec[0], &names); err != nil {
		return nil, fmt.Errorf("decode checkpoint names: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

type submitRequest struct {
	Prompt   Graph  `json:"prompt"`
	ClientID string `json:"client_id,omitempty"`
}

type submitResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// Submit enqueues a graph and returns the server's queue id.
func (c *Client) Submit(ctx context.Context, graph Graph, clientID string) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: graph, ClientID: clientID})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.PromptID == "" {
		return "", fmt.Errorf("%w: response carried no prompt id", ErrRejected)
	}
	return out.PromptID, nil
}

// Image is an output artifact descriptor.
type Image struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// HistoryEntry is the server's record of one finished or failed job.
type HistoryEntry struct {
	Outputs map[string]struct {
		Images []Image `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string            `json:"status_str"`
		Completed bool              `json:"completed"`
		Messages  []json.RawMessage `json:"messages"`
	} `json:"status"`
}

// Images returns the output artifacts ordered by node id.
func (h *HistoryEntry) Images() []Image {
	keys := make([]string, 0, len(h.Outputs))
	for k := range h.Outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var images []Image
	for _, k := range keys {
		images = append(images, h.Outputs[k].Images...)
	}
	return images
}

// Failed reports whether the server recorded the job as errored.
func (h *HistoryEntry) Failed() bool {
	return h.Status.StatusStr == "error"
}

// History fetches the record for a queue id. The boolean is false while the
// job has not produced a record yet.
func (c *Client) History(ctx context.Context, promptID string) (*HistoryEntry, bool, error) {
	var out map[string]*HistoryEntry
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), &out); err != nil {
		return nil, false, err
	}
	entry, ok := out[promptID]
	if !ok || entry == nil {
		return nil, false, nil
	}
	return entry, true, nil
}

// ArtifactURL builds the download URL for an output image.
func (c *Client) ArtifactURL(img Image) string {
	q := url.Values{}
	q.Set("filename", img.Filename)
	q.Set("subfolder", img.Subfolder)
	q.Set("type", img.Type)
	return c.baseURL + "/view?" + q.Encode()
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request %s: %w", path, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("get %s failed: %d %s", path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
