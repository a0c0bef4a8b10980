package clients

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/JonMunkholm/catalogimport/internal/core"
)

// SemanticConfig configures the semantic inference client.
type SemanticConfig struct {
	URL    string
	APIKey string
	// RequestsPerSecond throttles calls; 0 disables throttling.
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Retry             *Retrier
}

// SemanticClient asks a remote service to map unresolved fields. It
// implements core.SemanticInferencer.
type SemanticClient struct {
	req     requester
	limiter *rate.Limiter
}

// NewSemanticClient creates a client posting to cfg.URL.
func NewSemanticClient(cfg SemanticConfig) *SemanticClient {
	c := &SemanticClient{req: newRequester(cfg.URL, cfg.APIKey, cfg.HTTPClient, cfg.Retry)}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

type semanticResponse struct {
	Suggestions []core.SemanticSuggestion `json:"suggestions"`
}

// Infer implements core.SemanticInferencer.
func (c *SemanticClient) Infer(ctx context.Context, req core.SemanticRequest) ([]core.SemanticSuggestion, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("semantic rate limit: %w", err)
		}
	}
	var resp semanticResponse
	if _, err := c.req.do(ctx, http.MethodPost, "", req, &resp); err != nil {
		return nil, err
	}
	return resp.Suggestions, nil
}
