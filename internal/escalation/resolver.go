// Package escalation implements the resolver waterfall: parent
// coordinator, then cloud inference, then a human escalation record.
// Automated steps run bounded retries with exponential backoff behind a
// per-step circuit breaker; the first step returning status "completed"
// short-circuits the rest.
package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/edgecoder/mesh/internal/circuitbreaker"
	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/metrics"
	"github.com/edgecoder/mesh/internal/provider"
)

// StatusCompleted is the short-circuit status an automated step returns.
const StatusCompleted = "completed"

// StatusPendingHuman marks a task waiting on an operator.
const StatusPendingHuman = "pending_human"

// Options tunes the waterfall.
type Options struct {
	ParentCoordinatorURL string
	CloudInferenceURL    string
	CallbackURL          string
	// MaxRetries per automated step beyond the first attempt; default 2.
	MaxRetries int
	// RetryBaseDelay seeds the base·2^attempt backoff; default 1s.
	RetryBaseDelay time.Duration
	// AttemptTimeout bounds each upstream call; default 30s.
	AttemptTimeout time.Duration
}

// Resolver runs the waterfall for escalated tasks.
type Resolver struct {
	opts       Options
	httpClient *http.Client
	humans     *HumanStore
	callbacks  *CallbackSender
	parentCB   *circuitbreaker.Breaker
	cloudCB    *circuitbreaker.Breaker
	metrics    *metrics.Metrics
}

// NewResolver builds a resolver. The human store records operator-facing
// escalations when every automated step fails.
func NewResolver(opts Options, humans *HumanStore, m *metrics.Metrics) *Resolver {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 2
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 30 * time.Second
	}
	if humans == nil {
		humans = NewHumanStore()
	}
	return &Resolver{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.AttemptTimeout},
		humans:     humans,
		callbacks:  NewCallbackSender(2),
		parentCB:   circuitbreaker.New(circuitbreaker.DefaultConfig("escalation-parent")),
		cloudCB:    circuitbreaker.New(circuitbreaker.DefaultConfig("escalation-cloud")),
		metrics:    m,
	}
}

// Humans exposes the human escalation store for the HTTP surface.
func (r *Resolver) Humans() *HumanStore {
	return r.humans
}

// Resolve runs the waterfall over a sanitised copy of the request. The
// result is best-effort POSTed to the originating coordinator's
// callback URL; callback failure does not roll back the resolution.
func (r *Resolver) Resolve(ctx context.Context, req core.EscalationRequest) core.EscalationResult {
	req = Sanitize(req)

	if r.opts.ParentCoordinatorURL != "" {
		result, err := r.step(ctx, "parent", r.parentCB, func(ctx context.Context) (*core.EscalationResult, error) {
			return r.callParent(ctx, req)
		})
		if err == nil && result.Status == StatusCompleted {
			result.ResolvedBy = "parent_coordinator"
			r.deliver(req, *result)
			return *result
		}
	}

	if r.opts.CloudInferenceURL != "" {
		result, err := r.step(ctx, "cloud", r.cloudCB, func(ctx context.Context) (*core.EscalationResult, error) {
			return r.callCloud(ctx, req)
		})
		if err == nil && result.Status == StatusCompleted {
			result.ResolvedBy = "cloud_inference"
			r.deliver(req, *result)
			return *result
		}
	}

	record := r.humans.Create(req)
	r.record("human", "created")
	result := core.EscalationResult{
		TaskID:       req.TaskID,
		Status:       StatusPendingHuman,
		ResolvedBy:   "human",
		Explanation:  "automated resolution exhausted; task surfaced to operators",
		EscalationID: record.EscalationID,
	}
	r.deliver(req, result)
	return result
}

// step retries one automated waterfall step with exponential backoff
// behind its breaker. An open breaker skips the step outright.
func (r *Resolver) step(ctx context.Context, name string, cb *circuitbreaker.Breaker, call func(context.Context) (*core.EscalationResult, error)) (*core.EscalationResult, error) {
	var result *core.EscalationResult
	var lastErr error

	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.opts.RetryBaseDelay * (1 << (attempt - 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		err := cb.Do(ctx, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, r.opts.AttemptTimeout)
			defer cancel()
			res, err := call(attemptCtx)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
		if err == nil {
			r.record(name, "ok")
			return result, nil
		}
		lastErr = err
		r.record(name, "failed")
		if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyProbes) {
			// No point retrying against an open breaker.
			break
		}
	}
	slog.Warn("escalation step exhausted", "step", name, "error", lastErr)
	return nil, lastErr
}

// callParent forwards the request to the upstream coordinator.
func (r *Resolver) callParent(ctx context.Context, req core.EscalationRequest) (*core.EscalationResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(r.opts.ParentCoordinatorURL, "/") + "/escalate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("parent coordinator call failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("parent coordinator returned %d", resp.StatusCode)
	}

	var result core.EscalationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse parent coordinator response: %w", err)
	}
	if result.TaskID == "" {
		result.TaskID = req.TaskID
	}
	return &result, nil
}

// callCloud posts to the hosted provider. A body carrying rawResponse
// but no improvedCode goes through code extraction.
func (r *Resolver) callCloud(ctx context.Context, req core.EscalationRequest) (*core.EscalationResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.CloudInferenceURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cloud inference call failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("cloud inference returned %d: %s", resp.StatusCode, string(data))
	}

	var result core.EscalationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse cloud inference response: %w", err)
	}
	if result.TaskID == "" {
		result.TaskID = req.TaskID
	}
	if result.ImprovedCode == "" && result.RawResponse != "" {
		result.ImprovedCode = provider.ExtractCode(result.RawResponse, req.Language)
	}
	if result.Status == "" && result.ImprovedCode != "" {
		result.Status = StatusCompleted
	}
	return &result, nil
}

// deliver queues the best-effort callback to the originating node.
func (r *Resolver) deliver(req core.EscalationRequest, result core.EscalationResult) {
	url := req.CallbackURL
	if url == "" {
		url = r.opts.CallbackURL
	}
	if url == "" {
		return
	}
	r.callbacks.Enqueue(url, result)
}

func (r *Resolver) record(step, outcome string) {
	if r.metrics != nil {
		r.metrics.RecordEscalationStep(step, outcome)
	}
}

// Shutdown stops the callback workers.
func (r *Resolver) Shutdown() {
	r.callbacks.Shutdown()
}
