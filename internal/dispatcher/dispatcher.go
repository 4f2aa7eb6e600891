// Package dispatcher implements the external-dispatcher protocol: for a
// queue whose backend is an external HTTP API rather than a long-running
// worker process, N in-process tasks drain the queue and POST each job to
// that API, with exponential backoff on 5xx/429 up to a cap and a
// per-model circuit breaker.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxstream/ttscore/internal/domain"
	"github.com/voxstream/ttscore/internal/tracing"
)

// Substrate is the slice of the queue substrate a dispatcher task needs —
// identical in shape to the worker package's, since both backends share
// the same pull/publish contract by design.
type Substrate interface {
	ClaimOldest(ctx context.Context, model, workerID string, timeout time.Duration) (*domain.Job, bool)
	PublishResult(result domain.Result)
}

// Endpoint describes one external TTS API this dispatcher targets.
type Endpoint struct {
	ModelSlug string
	URL       string
	APIKey    string
	Codec     string
}

// synthesizeRequest/synthesizeResponse are the wire shapes posted to and
// expected from the external API.
type synthesizeRequest struct {
	Text   string            `json:"text"`
	Voice  string            `json:"voice"`
	Speed  float64           `json:"speed"`
	Params map[string]string `json:"params,omitempty"`
}

type synthesizeResponse struct {
	AudioBase64 string `json:"audio_base64"`
	DurationMs  int    `json:"duration_ms"`
}

// Client dispatches jobs to external TTS APIs with retry and a per-model
// circuit breaker. Grounded directly on the upstream HTTP client, retry
// backoff, and circuit breaker registry used for proxying LLM requests.
type Client struct {
	http      *http.Client
	endpoints map[string]Endpoint
	breakers  *circuitBreakerRegistry
	limiter   *rateLimiter
	retry     RetryPolicy
}

// NewClient builds a dispatch Client for the given endpoints (keyed by
// model slug). rateLimit protects each external endpoint from bursts the
// circuit breaker alone wouldn't catch, since the breaker only reacts
// after failures have already happened.
func NewClient(endpoints []Endpoint, retry RetryPolicy, failureThreshold int, resetTimeout time.Duration, halfOpenMax int, rateLimit RateLimitConfig) *Client {
	byModel := make(map[string]Endpoint, len(endpoints))
	for _, e := range endpoints {
		byModel[e.ModelSlug] = e
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 4
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = 200 * time.Millisecond
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = 10 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		http:      &http.Client{Transport: transport, Timeout: 60 * time.Second},
		endpoints: byModel,
		breakers:  newCircuitBreakerRegistry(failureThreshold, resetTimeout, halfOpenMax),
		limiter:   newRateLimiter(rateLimit),
		retry:     retry,
	}
}

// CircuitStates reports the current breaker state (0=closed, 1=open,
// 2=half-open) for every model with a configured endpoint, for periodic
// gauge export.
func (c *Client) CircuitStates() map[string]float64 {
	states := make(map[string]float64, len(c.endpoints))
	for model := range c.endpoints {
		states[model] = c.breakers.get(model).snapshotState()
	}
	return states
}

// errCircuitOpen is returned when a model's circuit breaker is tripped;
// the pool treats this as a terminal failure and publishes it as the job's
// error result, which the result consumer finalizes.
type errCircuitOpen struct{ model string }

func (e *errCircuitOpen) Error() string {
	return fmt.Sprintf("dispatcher: circuit open for model %s", e.model)
}

// errRateLimited is returned when a model's token bucket has no tokens
// left; like errCircuitOpen this is terminal and is published as the job's
// error result.
type errRateLimited struct {
	model      string
	retryAfter time.Duration
}

func (e *errRateLimited) Error() string {
	return fmt.Sprintf("dispatcher: rate limited for model %s, retry after %s", e.model, e.retryAfter)
}

// Synthesize POSTs job to its model's external endpoint, retrying
// retryable statuses with exponential backoff honoring Retry-After.
func (c *Client) Synthesize(ctx context.Context, job domain.Job) (audio []byte, codec string, durationMs int, err error) {
	endpoint, ok := c.endpoints[job.ModelSlug]
	if !ok {
		return nil, "", 0, fmt.Errorf("dispatcher: no endpoint configured for model %s", job.ModelSlug)
	}

	cb := c.breakers.get(job.ModelSlug)
	if !cb.allow() {
		return nil, "", 0, &errCircuitOpen{model: job.ModelSlug}
	}

	if ok, retryAfter := c.limiter.allow(job.ModelSlug); !ok {
		return nil, "", 0, &errRateLimited{model: job.ModelSlug, retryAfter: retryAfter}
	}

	ctx, span := tracing.StartDispatchSpan(ctx, endpoint.URL, job.ModelSlug)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		resp, doErr := c.doRequest(ctx, job, endpoint)
		if doErr != nil {
			lastErr = doErr
			cb.recordFailure()
			tracing.RecordError(ctx, doErr)
			break
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			audio, codec, durationMs, err = decodeResponse(resp, endpoint.Codec)
			resp.Body.Close()
			if err != nil {
				cb.recordFailure()
				return nil, "", 0, err
			}
			cb.recordSuccess()
			return audio, codec, durationMs, nil
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("dispatcher: external API %s returned %d: %s", endpoint.URL, resp.StatusCode, body)

		if !isRetryableStatus(resp.StatusCode) || attempt == c.retry.MaxAttempts-1 {
			cb.recordFailure()
			break
		}

		delay := retryAfterDuration(resp)
		if delay == 0 {
			delay = backoffDelay(attempt, c.retry.BaseDelay, c.retry.MaxDelay)
		}
		log.Warn().Str("job_id", job.JobID).Int("attempt", attempt).Dur("delay", delay).
			Msg("dispatcher: retrying external synthesis call")
		if sleepErr := sleepWithContext(ctx, delay); sleepErr != nil {
			return nil, "", 0, sleepErr
		}
	}

	return nil, "", 0, lastErr
}

func (c *Client) doRequest(ctx context.Context, job domain.Job, endpoint Endpoint) (*http.Response, error) {
	body, err := json.Marshal(synthesizeRequest{
		Text:   job.Text,
		Voice:  job.VoiceSlug,
		Speed:  job.Variant.Speed,
		Params: job.Variant.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dispatcher: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+endpoint.APIKey)
	tracing.InjectHeaders(ctx, httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: request to %s: %w", endpoint.URL, err)
	}
	return resp, nil
}

func decodeResponse(resp *http.Response, defaultCodec string) (audio []byte, codec string, durationMs int, err error) {
	var body synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, "", 0, fmt.Errorf("dispatcher: decode response: %w", err)
	}
	audio, err = base64.StdEncoding.DecodeString(body.AudioBase64)
	if err != nil {
		return nil, "", 0, fmt.Errorf("dispatcher: decode audio payload: %w", err)
	}
	return audio, defaultCodec, body.DurationMs, nil
}

// Pool runs N dispatcher tasks per targeted model, each following the
// same claim→synthesize→publish shape as a local worker — the result
// consumer treats both backends identically.
type Pool struct {
	substrate     Substrate
	client        *Client
	tasksPerModel int
	claimTimeout  time.Duration
}

// NewPool builds a dispatcher Pool. tasksPerModel is N from the
// protocol description; claimTimeout bounds each ClaimOldest call.
func NewPool(substrate Substrate, client *Client, tasksPerModel int, claimTimeout time.Duration) *Pool {
	if tasksPerModel <= 0 {
		tasksPerModel = 4
	}
	if claimTimeout <= 0 {
		claimTimeout = 5 * time.Second
	}
	return &Pool{substrate: substrate, client: client, tasksPerModel: tasksPerModel, claimTimeout: claimTimeout}
}

// Run launches tasksPerModel goroutines for each model and blocks until
// ctx is cancelled and all tasks have exited.
func (p *Pool) Run(ctx context.Context, models []string) {
	var wg sync.WaitGroup
	for _, model := range models {
		for i := 0; i < p.tasksPerModel; i++ {
			wg.Add(1)
			taskID := fmt.Sprintf("%s-dispatch-%d", model, i)
			go func(model, taskID string) {
				defer wg.Done()
				p.runTask(ctx, model, taskID)
			}(model, taskID)
		}
	}
	wg.Wait()
}

func (p *Pool) runTask(ctx context.Context, model, taskID string) {
	log.Info().Str("task_id", taskID).Str("model", model).Msg("dispatcher: task starting")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok := p.substrate.ClaimOldest(ctx, model, taskID, p.claimTimeout)
		if !ok {
			continue
		}

		audio, codec, durationMs, err := p.client.Synthesize(ctx, *job)
		if err != nil {
			log.Warn().Err(err).Str("job_id", job.JobID).Msg("dispatcher: terminal failure after retries")
			p.substrate.PublishResult(domain.Result{Job: *job, Err: err, ErrReason: err.Error()})
			continue
		}
		p.substrate.PublishResult(domain.Result{Job: *job, AudioBytes: audio, Codec: codec, DurationMs: durationMs})
	}
}
