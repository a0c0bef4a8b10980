package clients

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/JonMunkholm/catalogimport/internal/core"
)

// ProductStoreConfig configures the product store client.
type ProductStoreConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Retry      *Retrier
}

// ProductStoreClient writes products through a REST products API:
//
//	POST /products          create, responds {"id": "..."}
//	PUT  /products/{id}     update
//	GET  /products?sku=...  lookup, responds {"id": "..."} or 404
//
// It implements core.ProductStore and core.ProductLocator.
type ProductStoreClient struct {
	req requester
}

// NewProductStoreClient creates a client for cfg.BaseURL.
func NewProductStoreClient(cfg ProductStoreConfig) *ProductStoreClient {
	return &ProductStoreClient{req: newRequester(cfg.BaseURL, cfg.APIKey, cfg.HTTPClient, cfg.Retry)}
}

type productID struct {
	ID string `json:"id"`
}

// Create implements core.ProductStore.
func (c *ProductStoreClient) Create(ctx context.Context, p core.ProductRecord) (string, error) {
	var out productID
	if _, err := c.req.do(ctx, http.MethodPost, "/products", p, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("create product: response has no id")
	}
	return out.ID, nil
}

// Update implements core.ProductStore.
func (c *ProductStoreClient) Update(ctx context.Context, id string, p core.ProductRecord) error {
	_, err := c.req.do(ctx, http.MethodPut, "/products/"+url.PathEscape(id), p, nil)
	return err
}

// FindIDBySKU implements core.ProductLocator.
func (c *ProductStoreClient) FindIDBySKU(ctx context.Context, sku string) (string, bool, error) {
	var out productID
	status, err := c.req.do(ctx, http.MethodGet, "/products?sku="+url.QueryEscape(sku), nil, &out)
	if status == http.StatusNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return out.ID, out.ID != "", nil
}
