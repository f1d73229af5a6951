package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// Prober issues a minimal /chat/completions request to check upstream
// health.
type Prober struct {
	Client *http.Client
	Cred   pipeline.CredentialResolver
}

func (p *Prober) Probe(ctx context.Context, entry pipeline.PipelineEntry) error {
	cred, err := p.Cred.Resolve(entry.CredentialRef)
	if err != nil {
		return err
	}
	codec := New()
	headers, err := codec.Headers(ctx, cred)
	if err != nil {
		return err
	}

	body := []byte(fmt.Sprintf(`{"model":%q,"max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`, entry.UpstreamModel))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, entry.EndpointURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("openai probe: upstream status %d", resp.StatusCode)
	}
	return nil
}
