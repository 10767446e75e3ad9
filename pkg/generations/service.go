package generations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vyvo/studio/backend/pkg/inference"
	"github.com/vyvo/studio/backend/pkg/instances"
	"github.com/vyvo/studio/backend/pkg/logging"
	"github.com/vyvo/studio/backend/pkg/metrics"
	"github.com/vyvo/studio/backend/pkg/progress"
	"github.com/vyvo/studio/backend/pkg/tasks"
)

var (
	// ErrInvalidRequest is returned for submissions missing a prompt.
	ErrInvalidRequest = errors.New("invalid generation request")
	// ErrInstanceNotReady is returned unless the instance is running with setup complete.
	ErrInstanceNotReady = errors.New("instance not ready for generation")
	// ErrDeleted is the cancellation cause used when a generation is deleted mid-poll.
	ErrDeleted = errors.New("generation deleted")
)

// DefaultDemoImageURLs are the placeholder artifacts returned in simulated mode.
var DefaultDemoImageURLs = []string{
	"https://placehold.co/512x512/png?text=studio+demo+1",
	"https://placehold.co/512x512/png?text=studio+demo+2",
}

// Request is what a client submits.
type Request struct {
	WorkflowID     string           `json:"workflowId,omitempty"`
	Prompt         string           `json:"prompt"`
	NegativePrompt string           `json:"negativePrompt,omitempty"`
	Params         inference.Params `json:"params"`
}

// Resolver locates the inference endpoint of an instance.
type Resolver interface {
	Resolve(ctx context.Context, inst *instances.Instance) (*inference.Resolution, error)
}

// Templates looks up the job graph stored for a workflow.
type Templates interface {
	Template(ctx context.Context, workflowID string) (inference.Graph, error)
}

// Publisher receives generation progress events.
type Publisher interface {
	Publish(ev progress.Event)
}

// Config tunes the poller. Zero values fall back to five second polls, sixty
// attempts and a three second simulated delay.
type Config struct {
	PollInterval  time.Duration
	MaxAttempts   int
	DemoDelay     time.Duration
	DemoImageURLs []string
}

// Service submits generations and tracks them to completion in the background.
type Service struct {
	repo      Repository
	instances instances.Repository
	resolver  Resolver
	templates Templates
	tasks     *tasks.Manager
	publisher Publisher
	metrics   *metrics.Metrics
	logger    logging.Logger
	cfg       Config
}

func NewService(repo Repository, insts instances.Repository, resolver Resolver, templates Templates, mgr *tasks.Manager, publisher Publisher, m *metrics.Metrics, logger logging.Logger, cfg Config) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 60
	}
	if cfg.DemoDelay <= 0 {
		cfg.DemoDelay = 3 * time.Second
	}
	if len(cfg.DemoImageURLs) == 0 {
		cfg.DemoImageURLs = DefaultDemoImageURLs
	}
	return &Service{
		repo:      repo,
		instances: insts,
		resolver:  resolver,
		templates: templates,
		tasks:     mgr,
		publisher: publisher,
		metrics:   m,
		logger:    logging.Ensure(logger),
		cfg:       cfg,
	}
}

// TaskID names the background task tracking a generation.
func TaskID(generationID string) string {
	return "generation:" + generationID
}

func (s *Service) Get(id string) (*Generation, error) {
	return s.repo.Get(id)
}

func (s *Service) List(filter Filter) ([]*Generation, error) {
	return s.repo.List(filter)
}

// Submit records a generation and starts tracking it. Resolution and queue
// submission failures are returned directly and leave no record behind.
func (s *Service) Submit(ctx context.Context, instanceID string, req Request) (*Generation, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	inst, err := s.instances.Get(instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != instances.StatusRunning || !inst.SetupStatus.Succeeded() {
		return nil, fmt.Errorf("%w: status %s, setup %s", ErrInstanceNotReady, inst.Status, inst.SetupStatus)
	}

	g := &Generation{
		ID:             uuid.NewString(),
		InstanceID:     instanceID,
		WorkflowID:     req.WorkflowID,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Params:         req.Params,
	}
	if inst.SetupStatus.Simulated() {
		return s.submitDemo(g)
	}
	return s.submitLive(ctx, inst, g)
}

func (s *Service) submitDemo(g *Generation) (*Generation, error) {
	g.Simulated = true
	g.Status = StatusRunning
	g, err := s.repo.Create(g)
	if err != nil {
		return nil, err
	}
	s.progress(g, 0, "Simulated generation started")

	_, err = s.tasks.Go(TaskID(g.ID), g.InstanceID, 0, func(ctx context.Context) error {
		timer := time.NewTimer(s.cfg.DemoDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return s.abandon(g, context.Cause(ctx))
		case <-timer.C:
		}
		s.finish(g, StatusCompleted, s.cfg.DemoImageURLs, "")
		return nil
	})
	if err != nil {
		s.finish(g, StatusFailed, nil, "generation could not be scheduled: "+err.Error())
		return nil, err
	}
	s.logger.Info("simulated generation started", "instanceID", g.InstanceID, "generationID", g.ID)
	return g, nil
}

func (s *Service) submitLive(ctx context.Context, inst *instances.Instance, g *Generation) (*Generation, error) {
	res, err := s.resolver.Resolve(ctx, inst)
	if err != nil {
		return nil, err
	}
	if res.Demo || res.Client == nil {
		// The instance fell back to simulated mode between the checks.
		return s.submitDemo(g)
	}

	var template inference.Graph
	if g.WorkflowID != "" {
		if s.templates == nil {
			return nil, fmt.Errorf("%w: workflows are not configured", ErrInvalidRequest)
		}
		template, err = s.templates.Template(ctx, g.WorkflowID)
		if err != nil {
			return nil, err
		}
	}
	graph, err := inference.BuildGraph(template, g.Prompt, g.NegativePrompt, g.Params)
	if err != nil {
		return nil, err
	}

	queueID, err := res.Client.Submit(ctx, graph, g.ID)
	if err != nil {
		return nil, err
	}
	g.QueueID = queueID
	g.EndpointURL = res.BaseURL
	g.Status = StatusPending
	if _, err := s.repo.Create(g); err != nil {
		return nil, err
	}
	g, err = s.repo.Update(g.ID, func(next *Generation) error {
		if err := Transition(next.Status, StatusRunning); err != nil {
			return err
		}
		next.Status = StatusRunning
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.progress(g, 0, "Job queued as "+queueID)

	client := res.Client
	_, err = s.tasks.Go(TaskID(g.ID), g.InstanceID, 0, func(taskCtx context.Context) error {
		return s.poll(taskCtx, g, client)
	})
	if err != nil {
		s.finish(g, StatusFailed, nil, "polling could not be scheduled: "+err.Error())
		return nil, err
	}
	s.logger.Info("generation submitted", "instanceID", g.InstanceID, "generationID", g.ID, "queueID", queueID, "endpoint", res.BaseURL)
	return g, nil
}

// poll waits one interval before each history query. Errors count as
// attempts; the ceiling always terminates the loop.
func (s *Service) poll(ctx context.Context, g *Generation, client *inference.Client) error {
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return s.abandon(g, context.Cause(ctx))
		case <-timer.C:
		}
		if _, err := s.repo.Get(g.ID); errors.Is(err, ErrNotFound) {
			return nil
		}

		done := s.pollOnce(ctx, g, client, attempt)
		if done {
			return nil
		}
		timer.Reset(s.cfg.PollInterval)
	}

	msg := fmt.Sprintf("timeout: no result after %d polling attempts (%s)", s.cfg.MaxAttempts, time.Duration(s.cfg.MaxAttempts)*s.cfg.PollInterval)
	s.finish(g, StatusFailed, nil, msg)
	return nil
}

// pollOnce runs one attempt and reports whether the generation reached a
// terminal state.
func (s *Service) pollOnce(ctx context.Context, g *Generation, client *inference.Client, attempt int) bool {
	ctx, span := otel.Tracer("github.com/vyvo/studio/backend/pkg/generations").Start(ctx, "generation.poll")
	defer span.End()
	span.SetAttributes(
		attribute.String("generation.id", g.ID),
		attribute.String("generation.queue_id", g.QueueID),
		attribute.Int("generation.attempt", attempt),
	)

	entry, found, err := client.History(ctx, g.QueueID)
	switch {
	case err != nil:
		span.RecordError(err)
		s.metrics.PollAttempt("error")
		s.logger.Warn("generation poll failed", "generationID", g.ID, "attempt", attempt, "error", err)
		s.recordAttempt(g, attempt, "Poll failed: "+err.Error())
		return false
	case !found:
		s.metrics.PollAttempt("pending")
		s.recordAttempt(g, attempt, "Waiting for result")
		return false
	case entry.Failed():
		s.metrics.PollAttempt("failed")
		s.finish(g, StatusFailed, nil, "remote job failed")
		return true
	}

	images := entry.Images()
	if len(images) == 0 {
		if entry.Status.Completed {
			s.metrics.PollAttempt("failed")
			s.finish(g, StatusFailed, nil, "remote job finished without output images")
			return true
		}
		s.metrics.PollAttempt("pending")
		s.recordAttempt(g, attempt, "Job running")
		return false
	}
	urls := make([]string, 0, len(images))
	for _, img := range images {
		urls = append(urls, client.ArtifactURL(img))
	}
	s.metrics.PollAttempt("completed")
	s.finish(g, StatusCompleted, urls, "")
	return true
}

func (s *Service) recordAttempt(g *Generation, attempt int, message string) {
	updated, err := s.repo.Update(g.ID, func(next *Generation) error {
		if next.Status.Terminal() {
			return fmt.Errorf("%w: already %s", ErrInvalidTransition, next.Status)
		}
		next.Attempts = attempt
		return nil
	})
	if err != nil {
		s.logger.Warn("record poll attempt", "generationID", g.ID, "attempt", attempt, "error", err)
		return
	}
	s.progress(updated, attempt, message)
}

// abandon fails a generation whose poll was cancelled. Deletion is silent
// since the record is already gone.
func (s *Service) abandon(g *Generation, cause error) error {
	if errors.Is(cause, ErrDeleted) {
		return nil
	}
	s.finish(g, StatusFailed, nil, fmt.Sprintf("polling cancelled: %v", cause))
	return cause
}

// finish applies the single terminal transition. Image URLs and the error
// message are written only here.
func (s *Service) finish(g *Generation, status Status, urls []string, message string) {
	done, err := s.repo.Update(g.ID, func(next *Generation) error {
		if err := Transition(next.Status, status); err != nil {
			return err
		}
		now := time.Now().UTC()
		next.Status = status
		next.ImageURLs = append([]string(nil), urls...)
		next.Error = message
		next.CompletedAt = &now
		return nil
	})
	if err != nil {
		s.logger.Warn("record generation outcome", "generationID", g.ID, "status", status, "error", err)
		return
	}

	s.metrics.GenerationFinished(string(status), done.Simulated)
	if status == StatusCompleted {
		msg := fmt.Sprintf("Generation %s completed with %d image(s)", done.ID, len(done.ImageURLs))
		if done.Simulated {
			msg += " (simulated)"
		}
		if err := s.instances.AppendEvent(done.InstanceID, instances.EventGeneration, msg); err != nil {
			s.logger.Warn("record generation audit event", "generationID", done.ID, "error", err)
		}
	}
	s.progress(done, done.Attempts, message)
	s.publish(progress.GenerationCompleted{
		InstanceID:   done.InstanceID,
		GenerationID: done.ID,
		Status:       string(done.Status),
		ImageURLs:    done.ImageURLs,
		Error:        done.Error,
		Simulated:    done.Simulated,
		At:           time.Now().UTC(),
	})
	s.logger.Info("generation finished", "instanceID", done.InstanceID, "generationID", done.ID, "status", status, "attempts", done.Attempts)
}

// Delete cancels tracking and removes the record.
func (s *Service) Delete(id string) error {
	if _, err := s.repo.Get(id); err != nil {
		return err
	}
	s.tasks.Cancel(TaskID(id), ErrDeleted)
	if err := s.repo.Delete(id); err != nil {
		return err
	}
	if f, ok := s.publisher.(interface{ Forget(string) }); ok {
		f.Forget(id)
	}
	s.logger.Info("generation deleted", "generationID", id)
	return nil
}

func (s *Service) progress(g *Generation, attempt int, message string) {
	s.publish(progress.GenerationProgress{
		InstanceID:   g.InstanceID,
		GenerationID: g.ID,
		Status:       string(g.Status),
		Attempt:      attempt,
		MaxAttempts:  s.cfg.MaxAttempts,
		Message:      message,
		At:           time.Now().UTC(),
	})
}

func (s *Service) publish(ev progress.Event) {
	if s.publisher != nil {
		s.publisher.Publish(ev)
	}
}
