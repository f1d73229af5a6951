package gemini

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// Prober issues a minimal generateContent request to check upstream health.
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

	model := stripProviderPrefix(entry.UpstreamModel)
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"ping"}]}],"generationConfig":{"maxOutputTokens":1}}`)
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", entry.EndpointURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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
		return fmt.Errorf("gemini probe: upstream status %d", resp.StatusCode)
	}
	return nil
}
