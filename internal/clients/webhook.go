package clients

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/JonMunkholm/catalogimport/internal/core"
)

// WebhookChannel syndicates imported products by POSTing them to a URL.
// It implements core.Channel.
type WebhookChannel struct {
	name string
	req  requester
}

// NewWebhookChannel creates a channel named after the URL's host.
func NewWebhookChannel(rawURL string, hc *http.Client, retry *Retrier) *WebhookChannel {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		name = u.Host
	}
	return &WebhookChannel{name: name, req: newRequester(rawURL, "", hc, retry)}
}

type webhookPayload struct {
	Event    string               `json:"event"`
	SentAt   time.Time            `json:"sentAt"`
	Count    int                  `json:"count"`
	Products []core.ProductRecord `json:"products"`
}

// Name implements core.Channel.
func (w *WebhookChannel) Name() string { return w.name }

// Publish implements core.Channel.
func (w *WebhookChannel) Publish(ctx context.Context, products []core.ProductRecord) error {
	_, err := w.req.do(ctx, http.MethodPost, "", webhookPayload{
		Event:    "products.imported",
		SentAt:   time.Now().UTC(),
		Count:    len(products),
		Products: products,
	}, nil)
	return err
}
