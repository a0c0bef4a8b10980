package core

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProductRecord is a validated record in the shape the product store
// accepts. Optional numeric fields are nil when the column was not mapped
// or left blank.
type ProductRecord struct {
	SKU              string     `json:"sku"`
	Name             string     `json:"name"`
	Price            float64    `json:"price"`
	CompareAtPrice   *float64   `json:"compareAtPrice,omitempty"`
	CostPrice        *float64   `json:"costPrice,omitempty"`
	Description      string     `json:"description,omitempty"`
	ShortDescription string     `json:"shortDescription,omitempty"`
	Stock            *int64     `json:"stock,omitempty"`
	Brand            string     `json:"brand,omitempty"`
	Status           string     `json:"status"`
	Barcode          string     `json:"barcode,omitempty"`
	Weight           *float64   `json:"weight,omitempty"`
	Category         string     `json:"category,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	ImageURL         string     `json:"imageUrl,omitempty"`
	ParentSKU        string     `json:"parentSku,omitempty"`
	VariantOption    string     `json:"variantOption,omitempty"`
	VendorEmail      string     `json:"vendorEmail,omitempty"`
	Featured         bool       `json:"featured"`
	PublishedAt      *time.Time `json:"publishedAt,omitempty"`
}

// BuildProduct converts a target-keyed record into a ProductRecord.
// Values are normalised the same way the validator's auto-fixes would, so
// records that passed with warnings still build. Status defaults to draft.
func BuildProduct(r Record) (ProductRecord, error) {
	p := ProductRecord{Status: ProductDraft}
	text := func(field string) string { return strings.TrimSpace(r.Raw(field)) }

	var err error
	number := func(field string) *float64 {
		s := text(field)
		if s == "" || err != nil {
			return nil
		}
		n, ok := ParseNumeric(s)
		if !ok {
			err = fmt.Errorf("%s: %q is not a number", field, s)
			return nil
		}
		return &n
	}

	p.SKU = text(TargetSKU)
	p.Name = text(TargetName)
	if price := number(TargetPrice); price != nil {
		p.Price = *price
	}
	p.CompareAtPrice = number(TargetCompareAtPrice)
	p.CostPrice = number(TargetCostPrice)
	p.Weight = number(TargetWeight)
	if stock := number(TargetStock); stock != nil {
		n := int64(math.Round(*stock))
		p.Stock = &n
	}
	if err != nil {
		return ProductRecord{}, err
	}

	p.Description = text(TargetDescription)
	p.ShortDescription = text(TargetShortDescription)
	p.Brand = text(TargetBrand)
	p.Barcode = text(TargetBarcode)
	p.Category = text(TargetCategory)
	p.ImageURL = text(TargetImageURL)
	p.ParentSKU = text(TargetParentSKU)
	p.VariantOption = text(TargetVariantOption)
	p.VendorEmail = strings.ToLower(text(TargetVendorEmail))
	p.Tags = splitTags(text(TargetTags))

	if s := text(TargetStatus); s != "" {
		canonical, _ := matchEnum(statusField, s)
		if canonical == "" {
			return ProductRecord{}, fmt.Errorf("%s: %q is not a known status", TargetStatus, s)
		}
		p.Status = canonical
	}
	if s := text(TargetFeatured); s != "" {
		b, ok := ParseBool(s)
		if !ok {
			return ProductRecord{}, fmt.Errorf("%s: %q is not a boolean", TargetFeatured, s)
		}
		p.Featured = b
	}
	if s := text(TargetPublishedAt); s != "" {
		t, ok := ParseDate(s)
		if !ok {
			return ProductRecord{}, fmt.Errorf("%s: %q is not a date", TargetPublishedAt, s)
		}
		p.PublishedAt = &t
	}

	if p.SKU == "" {
		return ProductRecord{}, fmt.Errorf("%s is required", TargetSKU)
	}
	return p, nil
}

var statusField = TargetField{
	Name:       TargetStatus,
	EnumValues: []string{ProductActive, ProductDraft, ProductArchived},
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' || r == '|' })
	out := parts[:0]
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || seen[strings.ToLower(p)] {
			continue
		}
		seen[strings.ToLower(p)] = true
		out = append(out, p)
	}
	return out
}

// ProductStore persists products.
type ProductStore interface {
	Create(ctx context.Context, p ProductRecord) (string, error)
	Update(ctx context.Context, id string, p ProductRecord) error
}

// ProductLocator is implemented by stores that can find an existing
// product by SKU. Executions use it to choose between create and update.
type ProductLocator interface {
	FindIDBySKU(ctx context.Context, sku string) (id string, found bool, err error)
}

// MemoryProductStore is an in-process ProductStore keyed by SKU.
type MemoryProductStore struct {
	mu       sync.RWMutex
	bySKU    map[string]string
	products map[string]ProductRecord
}

// NewMemoryProductStore returns an empty store.
func NewMemoryProductStore() *MemoryProductStore {
	return &MemoryProductStore{
		bySKU:    make(map[string]string),
		products: make(map[string]ProductRecord),
	}
}

// Create stores p under a new id. Creating a SKU twice is an error.
func (m *MemoryProductStore) Create(ctx context.Context, p ProductRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bySKU[p.SKU]; ok {
		return "", fmt.Errorf("product with sku %q already exists", p.SKU)
	}
	id := uuid.NewString()
	m.bySKU[p.SKU] = id
	m.products[id] = p
	return id, nil
}

// Update replaces the product stored under id.
func (m *MemoryProductStore) Update(ctx context.Context, id string, p ProductRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.products[id]
	if !ok {
		return fmt.Errorf("product %s not found", id)
	}
	if old.SKU != p.SKU {
		delete(m.bySKU, old.SKU)
		m.bySKU[p.SKU] = id
	}
	m.products[id] = p
	return nil
}

// FindIDBySKU implements ProductLocator.
func (m *MemoryProductStore) FindIDBySKU(ctx context.Context, sku string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySKU[sku]
	return id, ok, nil
}

// Get returns the product stored under sku.
func (m *MemoryProductStore) Get(sku string) (ProductRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySKU[sku]
	if !ok {
		return ProductRecord{}, false
	}
	return m.products[id], true
}

// Len returns the number of stored products.
func (m *MemoryProductStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.products)
}
