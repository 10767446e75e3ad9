package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the marketplace reports a missing instance or offer.
var ErrNotFound = errors.New("marketplace resource not found")

// State is the marketplace status normalised to the lifecycle states the
// orchestrator understands.
type State string

const (
	StateLaunching State = "launching"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateUnknown   State = "unknown"
)

// Offer is a rentable machine listed by the marketplace.
type Offer struct {
	ID           string  `json:"id"`
	GPUName      string  `json:"gpuName"`
	NumGPUs      int     `json:"numGpus"`
	CPUCores     float64 `json:"cpuCores"`
	MemoryGB     float64 `json:"memoryGb"`
	DiskGB       float64 `json:"diskGb"`
	PricePerHour float64 `json:"pricePerHour"`
	Location     string  `json:"location"`
	Reliability  float64 `json:"reliability"`
}

// LaunchRequest describes the container to start on an accepted offer.
type LaunchRequest struct {
	OfferID string            `json:"-"`
	Image   string            `json:"image"`
	DiskGB  float64           `json:"disk"`
	Label   string            `json:"label,omitempty"`
	OnStart string            `json:"onstart,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Machine is the marketplace view of a launched instance.
type Machine struct {
	ID           string
	State        State
	RawState     string
	PublicIP     string
	SSHHost      string
	SSHPort      int
	Ports        map[string]int
	GPUName      string
	NumGPUs      int
	CPUCores     float64
	MemoryGB     float64
	DiskGB       float64
	PricePerHour float64
	Location     string
}

// Client talks to the marketplace REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a marketplace client with sane defaults.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type offerPayload struct {
	ID          json.Number `json:"id"`
	GPUName     string      `json:"gpu_name"`
	NumGPUs     int         `json:"num_gpus"`
	CPUCores    float64     `json:"cpu_cores_effective"`
	CPURAM      float64     `json:"cpu_ram"`
	DiskSpace   float64     `json:"disk_space"`
	DPHTotal    float64     `json:"dph_total"`
	Geolocation string      `json:"geolocation"`
	Reliability float64     `json:"reliability2"`
}

// SearchOffers lists offers matching the marketplace query document.
func (c *Client) SearchOffers(ctx context.Context, query map[string]any) ([]Offer, error) {
	if query == nil {
		query = map[string]any{
			"rentable": map[string]any{"eq": true},
			"num_gpus": map[string]any{"gte": 1},
		}
	}
	q, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshal offer query: %w", err)
	}
	endpoint := fmt.Sprintf("%s/bundles/?q=%s", c.baseURL, url.QueryEscape(string(q)))

	var out struct {
		Offers []offerPayload `json:"offers"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, fmt.Errorf("search offers: %w", err)
	}
	offers := make([]Offer, 0, len(out.Offers))
	for _, o := range out.Offers {
		offers = append(offers, Offer{
			ID:           o.ID.String(),
			GPUName:      o.GPUName,
			NumGPUs:      o.NumGPUs,
			CPUCores:     o.CPUCores,
			MemoryGB:     o.CPURAM / 1024,
			DiskGB:       o.DiskSpace,
			PricePerHour: o.DPHTotal,
			Location:     o.Geolocation,
			Reliability:  o.Reliability,
		})
	}
	return offers, nil
}

// Launch accepts an offer and returns the marketplace instance id.
func (c *Client) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	if strings.TrimSpace(req.OfferID) == "" {
		return "", fmt.Errorf("launch: offer id is required")
	}
	body := struct {
		ClientID string `json:"client_id"`
		RunType  string `json:"runtype"`
		LaunchRequest
	}{ClientID: "me", RunType: "ssh", LaunchRequest: req}

	endpoint := fmt.Sprintf("%s/asks/%s/", c.baseURL, url.PathEscape(req.OfferID))
	var out struct {
		Success     bool        `json:"success"`
		NewContract json.Number `json:"new_contract"`
		Error       string      `json:"error"`
	}
	if err := c.do(ctx, http.MethodPut, endpoint, body, &out); err != nil {
		return "", fmt.Errorf("launch offer %s: %w", req.OfferID, err)
	}
	if !out.Success || out.NewContract == "" {
		return "", fmt.Errorf("launch offer %s rejected: %s", req.OfferID, valueOrDefault(out.Error, "no contract returned"))
	}
	return out.NewContract.String(), nil
}

type portBinding struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

type machinePayload struct {
	ID             json.Number              `json:"id"`
	ActualStatus   string                   `json:"actual_status"`
	IntendedStatus string                   `json:"intended_status"`
	PublicIP       string                   `json:"public_ipaddr"`
	SSHHost        string                   `json:"ssh_host"`
	SSHPort        int                      `json:"ssh_port"`
	Ports          map[string][]portBinding `json:"ports"`
	GPUName        string                   `json:"gpu_name"`
	NumGPUs        int                      `json:"num_gpus"`
	CPUCores       float64                  `json:"cpu_cores_effective"`
	CPURAM         float64                  `json:"cpu_ram"`
	DiskSpace      float64                  `json:"disk_space"`
	DPHTotal       float64                  `json:"dph_total"`
	Geolocation    string                   `json:"geolocation"`
}

// Get fetches the current marketplace view of an instance.
func (c *Client) Get(ctx context.Context, id string) (Machine, error) {
	endpoint := fmt.Sprintf("%s/instances/%s/", c.baseURL, url.PathEscape(id))
	var out struct {
		Instances *machinePayload `json:"instances"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return Machine{}, fmt.Errorf("get instance %s: %w", id, err)
	}
	if out.Instances == nil {
		return Machine{}, fmt.Errorf("get instance %s: %w", id, ErrNotFound)
	}
	return toMachine(*out.Instances), nil
}

// Stop asks the marketplace to stop (but keep) an instance.
func (c *Client) Stop(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("%s/instances/%s/", c.baseURL, url.PathEscape(id))
	if err := c.do(ctx, http.MethodPut, endpoint, map[string]string{"state": "stopped"}, nil); err != nil {
		return fmt.Errorf("stop instance %s: %w", id, err)
	}
	return nil
}

// Destroy releases an instance permanently.
func (c *Client) Destroy(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("%s/instances/%s/", c.baseURL, url.PathEscape(id))
	if err := c.do(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("destroy instance %s: %w", id, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("marketplace returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode marketplace response: %w", err)
	}
	return nil
}

func toMachine(p machinePayload) Machine {
	m := Machine{
		ID:           p.ID.String(),
		RawState:     p.ActualStatus,
		State:        normaliseState(p.ActualStatus, p.IntendedStatus),
		PublicIP:     p.PublicIP,
		SSHHost:      p.SSHHost,
		SSHPort:      p.SSHPort,
		Ports:        map[string]int{},
		GPUName:      p.GPUName,
		NumGPUs:      p.NumGPUs,
		CPUCores:     p.CPUCores,
		MemoryGB:     p.CPURAM / 1024,
		DiskGB:       p.DiskSpace,
		PricePerHour: p.DPHTotal,
		Location:     p.Geolocation,
	}
	for key, bindings := range p.Ports {
		containerPort := strings.SplitN(key, "/", 2)[0]
		for _, b := range bindings {
			if port, err := strconv.Atoi(b.HostPort); err == nil {
				m.Ports[containerPort] = port
				break
			}
		}
	}
	return m
}

func normaliseState(actual, intended string) State {
	actual = strings.ToLower(strings.TrimSpace(actual))
	intended = strings.ToLower(strings.TrimSpace(intended))
	switch actual {
	case "running":
		if intended == "stopped" {
			return StateStopping
		}
		return StateRunning
	case "loading", "created", "scheduling", "":
		if intended == "stopped" {
			return StateStopped
		}
		return StateLaunching
	case "exited", "stopped", "offline", "inactive":
		return StateStopped
	}
	return StateUnknown
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
