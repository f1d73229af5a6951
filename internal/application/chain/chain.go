// Package chain composes the transform chain's upstream-facing stages —
// request transform (codec-selected), the upstream HTTP call, and response
// transform — around a single pipeline entry. The orchestrator is
// responsible for the earlier stages: classify, balance, and inbound
// validation.
package chain

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/credentials"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/observability"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/sse"
)

// Chain runs one backend call: encode, issue the HTTP request under the
// entry's timeout, and decode the response back into canonical form.
type Chain struct {
	client *http.Client
	cred   pipeline.CredentialResolver
	obs    *observability.Observer
}

// New builds a Chain. client is shared across all backends and requests.
func New(client *http.Client, cred pipeline.CredentialResolver) *Chain {
	return &Chain{client: client, cred: cred}
}

// SetObserver wires tracing for the encode/call/decode stages. Safe to leave
// unset; every span call tolerates a nil observer.
func (c *Chain) SetObserver(obs *observability.Observer) {
	c.obs = obs
}

// RunNonStreaming executes one backend call end to end and returns the
// canonical response. Idempotent network failures are retried within the
// same pipeline up to entry.MaxRetries with exponential backoff; a retry
// never extends the caller's outer deadline since it is bounded by ctx.
func (c *Chain) RunNonStreaming(ctx context.Context, codec pipeline.Codec, req *pipeline.Request, entry pipeline.PipelineEntry) (resp *pipeline.Response, err error) {
	ctx, endSpan := c.obs.StartSpan(ctx, "chain.run", attribute.String("pipeline_id", entry.PipelineID), attribute.Bool("stream", false))
	defer func() { endSpan(err) }()

	if err = pipeline.ValidateRequest(req); err != nil {
		return nil, err
	}

	path, body, err := codec.Encode(ctx, req, entry)
	if err != nil {
		return nil, pipeline.AsError(err)
	}

	src, err := c.resolveCredential(entry)
	if err != nil {
		return nil, err
	}
	headers, err := codec.Headers(ctx, src)
	if err != nil {
		return nil, pipeline.AsError(err)
	}

	var respBody []byte
	backoff := 250 * time.Millisecond
	for attempt := 0; ; attempt++ {
		respBody, err = c.doOnce(ctx, entry, path, body, headers)
		if err == nil {
			break
		}
		perr := pipeline.AsError(err)
		if !perr.Retryable() || attempt >= entry.MaxRetries {
			return nil, perr
		}
		select {
		case <-ctx.Done():
			return nil, pipeline.AsError(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	resp, err = codec.DecodeResponse(ctx, respBody)
	if err != nil {
		return nil, pipeline.AsError(err)
	}
	if verr := pipeline.ValidateResponse(resp, req.Tools); verr != nil {
		return nil, verr
	}
	return resp, nil
}

// RunStreaming executes one backend call and forwards canonical stream
// events to out as they are produced. It returns the final accumulated
// Response once the upstream stream completes. Streaming calls are never
// retried: once the first byte reaches the caller, re-selecting a
// different pipeline would duplicate partial output.
func (c *Chain) RunStreaming(ctx context.Context, codec pipeline.Codec, req *pipeline.Request, entry pipeline.PipelineEntry, out chan<- pipeline.StreamEvent) (result *pipeline.Response, err error) {
	ctx, endSpan := c.obs.StartSpan(ctx, "chain.run", attribute.String("pipeline_id", entry.PipelineID), attribute.Bool("stream", true))
	defer func() { endSpan(err) }()

	if err = pipeline.ValidateRequest(req); err != nil {
		return nil, err
	}

	path, body, err := codec.Encode(ctx, req, entry)
	if err != nil {
		return nil, pipeline.AsError(err)
	}

	src, err := c.resolveCredential(entry)
	if err != nil {
		return nil, err
	}
	headers, err := codec.Headers(ctx, src)
	if err != nil {
		return nil, pipeline.AsError(err)
	}

	httpResp, err := c.open(ctx, entry, path, body, headers)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	lineSource := sse.NewLineReader(httpResp.Body, entry.Timeout)

	var resp *pipeline.Response
	if entry.Hints.BufferToolCalls {
		resp, err = sse.BufferedRun(ctx, codec, lineSource, out)
	} else {
		resp, err = codec.DecodeStream(ctx, lineSource, out)
	}
	if err != nil {
		return nil, pipeline.AsError(err)
	}
	if verr := pipeline.ValidateResponse(resp, req.Tools); verr != nil {
		return nil, verr
	}
	return resp, nil
}

// resolveCredential looks up entry's credential_ref. An entry with no ref
// configured (a local no-auth upstream like lmstudio/ollama) gets a
// NoopSource rather than a nil CredentialSource, since nil passed into an
// interface parameter is a non-nil interface holding a nil value and any
// codec calling cred.Token(ctx) on it would panic.
func (c *Chain) resolveCredential(entry pipeline.PipelineEntry) (pipeline.CredentialSource, error) {
	if entry.CredentialRef == "" || c.cred == nil {
		return credentials.NoopSource{}, nil
	}
	src, err := c.cred.Resolve(entry.CredentialRef)
	if err != nil {
		return nil, pipeline.AsError(err)
	}
	return src, nil
}

func (c *Chain) doOnce(ctx context.Context, entry pipeline.PipelineEntry, path string, body []byte, headers map[string]string) ([]byte, error) {
	httpResp, err := c.open(ctx, entry, path, body, headers)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, pipeline.NewBackendTransient(err, "%s: read response body", entry.ProviderID)
	}
	return data, nil
}

// open issues the HTTP request and classifies the response status, closing
// the body and returning a typed error on anything other than 2xx.
func (c *Chain) open(ctx context.Context, entry pipeline.PipelineEntry, path string, body []byte, headers map[string]string) (*http.Response, error) {
	timeout := entry.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, entry.EndpointURL+path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, pipeline.NewTransformFault(err, "%s: build request", entry.ProviderID)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, pipeline.ErrCanceled
		}
		return nil, pipeline.NewBackendTransient(err, "%s: upstream request failed", entry.ProviderID)
	}

	// The response Body owns reqCtx's cancellation now: the caller must
	// close the body, which is the only thing keeping reqCtx alive past
	// this point. Wrap so cancel() still runs once the body is drained.
	httpResp.Body = &cancelOnCloseBody{ReadCloser: httpResp.Body, cancel: cancel}

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		return httpResp, nil
	}

	defer httpResp.Body.Close()
	data, _ := io.ReadAll(httpResp.Body)
	return nil, classifyHTTPStatus(entry, httpResp, data)
}

func classifyHTTPStatus(entry pipeline.PipelineEntry, resp *http.Response, body []byte) error {
	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		if d, ok := retryAfterWithinBudget(resp.Header.Get("Retry-After"), 2*time.Second); ok {
			time.Sleep(d)
			return pipeline.NewBackendTransient(nil, "%s: rate limited (honored retry-after)", entry.ProviderID)
		}
		return pipeline.NewBackendTransient(nil, "%s: rate limited, status %d", entry.ProviderID, status)
	case status == http.StatusRequestTimeout:
		return pipeline.NewBackendTransient(nil, "%s: upstream request timeout, status %d", entry.ProviderID, status)
	case status >= 500:
		return pipeline.NewBackendTransient(nil, "%s: upstream status %d: %s", entry.ProviderID, status, truncate(body, 256))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return pipeline.NewBackendPermanent(nil, "%s: auth rejected, status %d", entry.ProviderID, status)
	default:
		return pipeline.NewBackendPermanent(nil, "%s: upstream status %d: %s", entry.ProviderID, status, truncate(body, 256))
	}
}

// retryAfterWithinBudget parses a Retry-After header (seconds form only;
// upstreams in this domain don't send the HTTP-date form) and reports
// whether it fits inside budget.
func retryAfterWithinBudget(header string, budget time.Duration) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || seconds < 0 {
		return 0, false
	}
	d := time.Duration(seconds) * time.Second
	return d, d <= budget
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnCloseBody) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
