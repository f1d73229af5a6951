package codewhisperer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

const codewhispererService = "codewhisperer"

// Prober issues a minimal generateAssistantResponse request to check
// upstream health.
type Prober struct {
	Client *http.Client
	Cred   pipeline.CredentialResolver

	// AWSCreds, when set, signs the probe request with SigV4 instead of the
	// bearer-token header Headers() would attach — the path taken by
	// enterprise IAM Identity Center CodeWhisperer deployments.
	AWSCreds aws.CredentialsProvider
	Region   string
}

func (p *Prober) Probe(ctx context.Context, entry pipeline.PipelineEntry) error {
	body := []byte(`{"conversationState":{"chatTriggerType":"MANUAL","currentMessage":{"content":"ping"}}}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, entry.EndpointURL+"/generateAssistantResponse", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	if p.AWSCreds != nil {
		if err := p.signSigV4(ctx, req, body); err != nil {
			return err
		}
	} else {
		cred, err := p.Cred.Resolve(entry.CredentialRef)
		if err != nil {
			return err
		}
		headers, err := New().Headers(ctx, cred)
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("codewhisperer probe: upstream status %d", resp.StatusCode)
	}
	return nil
}

// signSigV4 signs req in place using the standard AWS v4 request signing
// algorithm, the enterprise alternative to CodeWhisperer's bearer-token auth.
func (p *Prober) signSigV4(ctx context.Context, req *http.Request, body []byte) error {
	creds, err := p.AWSCreds.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("codewhisperer: resolve aws credentials: %w", err)
	}
	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])

	signer := v4.NewSigner()
	return signer.SignHTTP(ctx, creds, req, payloadHash, codewhispererService, p.Region, time.Now())
}
