package inference

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vyvo/studio/backend/pkg/instances"
	"github.com/vyvo/studio/backend/pkg/logging"
	"github.com/vyvo/studio/backend/pkg/metrics"
)

// MetadataURLKey lets operators pin an instance's inference URL explicitly.
const MetadataURLKey = "inferenceUrl"

// DemoModels is the fixed catalog reported for simulated instances.
var DemoModels = []string{
	"dreamshaper_8.safetensors",
	"sd_xl_base_1.0.safetensors",
	"v1-5-pruned-emaonly.safetensors",
}

// NotFoundError means no candidate endpoint answered. Attempted lists every
// URL probed, in order.
type NotFoundError struct {
	InstanceID string
	Attempted  []string
}

func (e *NotFoundError) Error() string {
	if len(e.Attempted) == 0 {
		return fmt.Sprintf("no inference endpoint for instance %s: no address known", e.InstanceID)
	}
	return fmt.Sprintf("no inference endpoint for instance %s (tried %s)", e.InstanceID, strings.Join(e.Attempted, ", "))
}

// Resolution is the outcome of Resolve. When Demo is set, Client is nil and
// callers must synthesize results locally.
type Resolution struct {
	Demo      bool
	BaseURL   string
	Client    *Client
	Models    []string
	Attempted []string
}

// ResolverConfig tunes probing.
type ResolverConfig struct {
	Port          int
	ProbeTimeout  time.Duration
	Budget        time.Duration
	ClientTimeout time.Duration
}

// Resolver finds a reachable inference endpoint for an instance.
type Resolver struct {
	cfg     ResolverConfig
	cache   *EndpointCache
	metrics *metrics.Metrics
	logger  logging.Logger
}

func NewResolver(cfg ResolverConfig, cache *EndpointCache, m *metrics.Metrics, logger logging.Logger) *Resolver {
	if cfg.Port == 0 {
		cfg.Port = 8188
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 20 * time.Second
	}
	if cache == nil {
		cache = NewEndpointCache()
	}
	return &Resolver{cfg: cfg, cache: cache, metrics: m, logger: logging.Ensure(logger)}
}

// Cache exposes the endpoint cache so lifecycle hooks can invalidate it.
func (r *Resolver) Cache() *EndpointCache { return r.cache }

// Resolve probes candidate URLs in order and returns the first healthy one.
// Simulated instances resolve to a demo result without any network call.
func (r *Resolver) Resolve(ctx context.Context, inst *instances.Instance) (*Resolution, error) {
	if inst.SetupStatus.Simulated() {
		return &Resolution{Demo: true, Models: append([]string(nil), DemoModels...)}, nil
	}

	ctx, span := otel.Tracer("github.com/vyvo/studio/backend/pkg/inference").Start(ctx, "inference.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("instance.id", inst.ID))

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Budget)
	defer cancel()

	candidates := Candidates(inst, r.cfg.Port)
	if cached, ok := r.cache.Get(inst.ID); ok {
		candidates = dedupe(append([]string{cached.BaseURL}, candidates...))
	}

	var attempted []string
	for _, base := range candidates {
		if ctx.Err() != nil {
			break
		}
		attempted = append(attempted, base)
		if err := r.probe(ctx, base); err != nil {
			r.metrics.ResolverProbe("miss")
			r.logger.Info("inference probe failed", "instanceID", inst.ID, "url", base, "error", err)
			continue
		}
		r.metrics.ResolverProbe("hit")
		r.cache.Set(Endpoint{InstanceID: inst.ID, BaseURL: base, VerifiedAt: time.Now().UTC()})
		span.SetAttributes(attribute.String("inference.url", base))
		return &Resolution{
			BaseURL:   base,
			Client:    NewClient(base, r.cfg.ClientTimeout),
			Attempted: attempted,
		}, nil
	}

	r.cache.Forget(inst.ID)
	err := &NotFoundError{InstanceID: inst.ID, Attempted: attempted}
	span.RecordError(err)
	span.SetStatus(codes.Error, "unresolved")
	return nil, err
}

func (r *Resolver) probe(ctx context.Context, base string) error {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()
	return NewClient(base, r.cfg.ProbeTimeout).Health(probeCtx)
}

// Candidates lists base URLs a partially configured instance might expose,
// most specific first: an explicit metadata URL, the port mapped to the
// service port, the raw service port, then the same over https.
func Candidates(inst *instances.Instance, port int) []string {
	var out []string
	if pinned := strings.TrimSpace(inst.Metadata[MetadataURLKey]); pinned != "" {
		out = append(out, strings.TrimSuffix(pinned, "/"))
	}
	hosts := []string{inst.Address}
	if inst.SSHHost != "" && inst.SSHHost != inst.Address {
		hosts = append(hosts, inst.SSHHost)
	}
	mapped, hasMapping := inst.PublicPort(port)
	for _, scheme := range []string{"http", "https"} {
		for _, host := range hosts {
			if strings.TrimSpace(host) == "" {
				continue
			}
			if hasMapping {
				out = append(out, baseURL(scheme, host, mapped))
			}
			out = append(out, baseURL(scheme, host, port))
		}
	}
	return dedupe(out)
}

func baseURL(scheme, host string, port int) string {
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
