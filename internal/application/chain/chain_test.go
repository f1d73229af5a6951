package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/codec/anthropic"
)

type staticCredential struct{ token string }

func (s staticCredential) Token(ctx context.Context) (string, error) { return s.token, nil }

type staticResolver struct{ src pipeline.CredentialSource }

func (s staticResolver) Resolve(ref string) (pipeline.CredentialSource, error) { return s.src, nil }

func testEntry(url string) pipeline.PipelineEntry {
	return pipeline.PipelineEntry{
		PipelineID:    "test-pipeline",
		ProviderID:    "anthropic-test",
		ProviderType:  pipeline.ProviderAnthropic,
		EndpointURL:   url,
		UpstreamModel: "claude-3-5-sonnet",
		CredentialRef: "test-cred",
		MaxRetries:    2,
		Timeout:       5 * time.Second,
	}
}

func testRequest() *pipeline.Request {
	return &pipeline.Request{
		Messages: []pipeline.Message{{Role: pipeline.RoleUser, Text: "hi"}},
	}
}

func TestChain_RunNonStreaming_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","stop_reason":"end_turn","content":[{"type":"text","text":"hello"}]}`))
	}))
	defer srv.Close()

	c := New(srv.Client(), staticResolver{staticCredential{"sk-test"}})
	resp, err := c.RunNonStreaming(context.Background(), anthropic.New(), testRequest(), testEntry(srv.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StopReason != pipeline.StopEndTurn {
		t.Fatalf("stop_reason = %v, want end_turn", resp.StopReason)
	}
}

func TestChain_RunNonStreaming_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_2","stop_reason":"end_turn","content":[{"type":"text","text":"ok"}]}`))
	}))
	defer srv.Close()

	c := New(srv.Client(), staticResolver{staticCredential{"sk-test"}})
	resp, err := c.RunNonStreaming(context.Background(), anthropic.New(), testRequest(), testEntry(srv.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (one retry)", calls)
	}
	if resp.Content[0].Text != "ok" {
		t.Fatalf("content = %#v", resp.Content)
	}
}

func TestChain_RunNonStreaming_PermanentFaultNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.Client(), staticResolver{staticCredential{"sk-test"}})
	_, err := c.RunNonStreaming(context.Background(), anthropic.New(), testRequest(), testEntry(srv.URL))
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if pipeline.AsError(err).Fault != pipeline.FaultBackendPermanent {
		t.Fatalf("fault = %v, want backend_permanent", pipeline.AsError(err).Fault)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on permanent fault)", calls)
	}
}

func TestChain_RunNonStreaming_RateLimitWithoutRetryAfterIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	entry := testEntry(srv.URL)
	entry.MaxRetries = 0
	c := New(srv.Client(), staticResolver{staticCredential{"sk-test"}})
	_, err := c.RunNonStreaming(context.Background(), anthropic.New(), testRequest(), entry)
	if err == nil {
		t.Fatal("expected error for 429")
	}
	if pipeline.AsError(err).Fault != pipeline.FaultBackendTransient {
		t.Fatalf("fault = %v, want backend_transient", pipeline.AsError(err).Fault)
	}
}

func TestChain_RunStreaming_DecodesCanonicalEvents(t *testing.T) {
	const body = "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_3\",\"model\":\"claude-3-5-sonnet\"}}\n\n" +
		"event: content_block_start\n" +
		"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\"}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n" +
		"event: content_block_stop\n" +
		"data: {\"type\":\"content_block_stop\",\"index\":0}\n\n" +
		"event: message_delta\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"}}\n\n" +
		"event: message_stop\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := New(srv.Client(), staticResolver{staticCredential{"sk-test"}})
	events := make(chan pipeline.StreamEvent, 32)
	req := testRequest()
	req.Stream = true
	resp, err := c.RunStreaming(context.Background(), anthropic.New(), req, testEntry(srv.URL), events)
	close(events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StopReason != pipeline.StopEndTurn {
		t.Fatalf("stop_reason = %v, want end_turn", resp.StopReason)
	}

	var saw []pipeline.StreamEventType
	for e := range events {
		saw = append(saw, e.Type)
	}
	if len(saw) == 0 || saw[0] != pipeline.EventMessageStart {
		t.Fatalf("events = %v, want to start with message_start", saw)
	}
}
