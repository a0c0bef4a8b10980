package core

// catalogue.go defines the closed set of product fields every upload is
// mapped onto. Variations are written in normalized form (see NormalizeName).

// DataType is the declared type of a target field.
type DataType string

const (
	DataString  DataType = "string"
	DataNumber  DataType = "number"
	DataInteger DataType = "integer"
	DataBoolean DataType = "boolean"
	DataDate    DataType = "date"
	DataEnum    DataType = "enum"
	DataEmail   DataType = "email"
	DataURL     DataType = "url"
)

// Target field names.
const (
	TargetName             = "name"
	TargetSKU              = "sku"
	TargetPrice            = "price"
	TargetCompareAtPrice   = "compareAtPrice"
	TargetCostPrice        = "costPrice"
	TargetDescription      = "description"
	TargetShortDescription = "shortDescription"
	TargetStock            = "stock"
	TargetBrand            = "brand"
	TargetStatus           = "status"
	TargetBarcode          = "barcode"
	TargetWeight           = "weight"
	TargetCategory         = "category"
	TargetTags             = "tags"
	TargetImageURL         = "imageUrl"
	TargetParentSKU        = "parentSku"
	TargetVariantOption    = "variantOption"
	TargetVendorEmail      = "vendorEmail"
	TargetFeatured         = "featured"
	TargetPublishedAt      = "publishedAt"
)

// Product status values.
const (
	ProductActive   = "active"
	ProductDraft    = "draft"
	ProductArchived = "archived"
)

// TargetField describes one field of the product schema.
type TargetField struct {
	Name        string   `json:"name"`
	Label       string   `json:"label"`
	Required    bool     `json:"required"`
	Type        DataType `json:"type"`
	Variations  []string `json:"variations"`
	EnumValues  []string `json:"enumValues,omitempty"`
	MaxLength   int      `json:"maxLength,omitempty"`
	NonNegative bool     `json:"nonNegative,omitempty"`
}

// Catalogue is an immutable, indexed set of target fields.
type Catalogue struct {
	fields []TargetField
	byName map[string]int
}

// NewCatalogue indexes fields by name.
func NewCatalogue(fields []TargetField) *Catalogue {
	c := &Catalogue{
		fields: append([]TargetField(nil), fields...),
		byName: make(map[string]int, len(fields)),
	}
	for i, f := range c.fields {
		c.byName[f.Name] = i
	}
	return c
}

// Fields returns all target fields in catalogue order.
func (c *Catalogue) Fields() []TargetField { return c.fields }

// Field returns the target field called name.
func (c *Catalogue) Field(name string) (TargetField, bool) {
	i, ok := c.byName[name]
	if !ok {
		return TargetField{}, false
	}
	return c.fields[i], true
}

// Has reports whether name is a catalogue field.
func (c *Catalogue) Has(name string) bool {
	_, ok := c.byName[name]
	return ok
}

// Position returns the catalogue order of name, or len(fields) if unknown.
func (c *Catalogue) Position(name string) int {
	if i, ok := c.byName[name]; ok {
		return i
	}
	return len(c.fields)
}

// Required returns the names of required fields.
func (c *Catalogue) Required() []string {
	var out []string
	for _, f := range c.fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// DefaultCatalogue returns the product schema used by the import pipeline.
func DefaultCatalogue() *Catalogue {
	return NewCatalogue([]TargetField{
		{
			Name: TargetName, Label: "Product name", Required: true, Type: DataString, MaxLength: 255,
			Variations: []string{"product_name", "title", "product_title", "item_name", "product", "item_title"},
		},
		{
			Name: TargetSKU, Label: "SKU", Required: true, Type: DataString, MaxLength: 64,
			Variations: []string{"item_code", "product_code", "sku_code", "article_number", "part_number",
				"item_number", "stock_keeping_unit", "product_sku", "item_sku"},
		},
		{
			Name: TargetPrice, Label: "Price", Required: true, Type: DataNumber, NonNegative: true,
			Variations: []string{"selling_price", "sale_price", "unit_price", "retail_price",
				"regular_price", "list_price", "product_price", "price_usd"},
		},
		{
			Name: TargetCompareAtPrice, Label: "Compare-at price", Type: DataNumber, NonNegative: true,
			Variations: []string{"compare_price", "compare_at", "msrp", "was_price", "original_price", "rrp"},
		},
		{
			Name: TargetCostPrice, Label: "Cost price", Type: DataNumber, NonNegative: true,
			Variations: []string{"cost_price", "unit_cost", "wholesale_price", "purchase_price", "cost_per_item"},
		},
		{
			Name: TargetDescription, Label: "Description", Type: DataString,
			Variations: []string{"long_description", "product_description", "body", "body_html", "details"},
		},
		{
			Name: TargetShortDescription, Label: "Short description", Type: DataString, MaxLength: 500,
			Variations: []string{"short_description", "short_desc", "summary", "tagline", "excerpt"},
		},
		{
			Name: TargetStock, Label: "Stock", Type: DataInteger, NonNegative: true,
			Variations: []string{"quantity", "inventory", "stock_quantity", "stock_level", "on_hand",
				"inventory_quantity", "available_quantity"},
		},
		{
			Name: TargetBrand, Label: "Brand", Type: DataString,
			Variations: []string{"manufacturer", "make", "brand_name", "vendor"},
		},
		{
			Name: TargetStatus, Label: "Status", Type: DataEnum,
			EnumValues: []string{ProductActive, ProductDraft, ProductArchived},
			Variations: []string{"product_status", "state", "publish_status"},
		},
		{
			Name: TargetBarcode, Label: "Barcode", Type: DataString,
			Variations: []string{"upc", "ean", "gtin", "isbn", "barcode_number"},
		},
		{
			Name: TargetWeight, Label: "Weight", Type: DataNumber, NonNegative: true,
			Variations: []string{"weight_kg", "shipping_weight", "product_weight", "mass"},
		},
		{
			Name: TargetCategory, Label: "Category", Type: DataString,
			Variations: []string{"product_category", "product_type", "department", "collection", "categories"},
		},
		{
			Name: TargetTags, Label: "Tags", Type: DataString,
			Variations: []string{"keywords", "labels", "tag_list", "tag"},
		},
		{
			Name: TargetImageURL, Label: "Image URL", Type: DataURL,
			Variations: []string{"image_url", "image", "image_link", "picture", "photo", "main_image", "thumbnail"},
		},
		{
			Name: TargetParentSKU, Label: "Parent SKU", Type: DataString, MaxLength: 64,
			Variations: []string{"parent_sku", "parent", "parent_code", "parent_item"},
		},
		{
			Name: TargetVariantOption, Label: "Variant option", Type: DataString,
			Variations: []string{"variant", "variant_option", "option", "variation", "option_value"},
		},
		{
			Name: TargetVendorEmail, Label: "Vendor email", Type: DataEmail,
			Variations: []string{"vendor_email", "supplier_email", "contact_email", "email"},
		},
		{
			Name: TargetFeatured, Label: "Featured", Type: DataBoolean,
			Variations: []string{"is_featured", "featured_product", "highlight"},
		},
		{
			Name: TargetPublishedAt, Label: "Published at", Type: DataDate,
			Variations: []string{"published_at", "publish_date", "release_date", "launch_date", "available_from"},
		},
	})
}
