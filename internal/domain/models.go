package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// prices travel as JSON numbers, the same shape the storefront clients post
	decimal.MarshalJSONWithoutQuotes = true
}

// ErrNotFound возвращается, когда сущность не найдена
var ErrNotFound = errors.New("not found")

// ProductStatus availability of a product in the customer catalog
type ProductStatus string

const (
	ProductAvailable   ProductStatus = "available"
	ProductUnavailable ProductStatus = "unavailable"
)

func (s ProductStatus) Valid() bool {
	return s == ProductAvailable || s == ProductUnavailable
}

// ProductOptions configurable choices offered with a product
type ProductOptions struct {
	Sizes    []string `json:"size"`
	Toppings []string `json:"toppings"`
}

// AddSize appends a size label. Empty and duplicate labels are rejected.
func (o *ProductOptions) AddSize(label string) bool {
	return addLabel(&o.Sizes, label)
}

// AddTopping appends a topping label. Empty and duplicate labels are rejected.
func (o *ProductOptions) AddTopping(label string) bool {
	return addLabel(&o.Toppings, label)
}

func (o ProductOptions) HasSize(label string) bool {
	return contains(o.Sizes, label)
}

func (o ProductOptions) HasTopping(label string) bool {
	return contains(o.Toppings, label)
}

func addLabel(list *[]string, label string) bool {
	label = strings.TrimSpace(label)
	if label == "" || contains(*list, label) {
		return false
	}
	*list = append(*list, label)
	return true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Product представляет товар витрины
type Product struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Store     string          `json:"store"`
	Price     decimal.Decimal `json:"price"`
	ImageURL  string          `json:"url,omitempty"`
	Note      string          `json:"note,omitempty"`
	Status    ProductStatus   `json:"status"`
	Options   ProductOptions  `json:"options"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Clone copies the option lists.
func (p Product) Clone() Product {
	cp := p
	cp.Options.Sizes = append([]string(nil), p.Options.Sizes...)
	cp.Options.Toppings = append([]string(nil), p.Options.Toppings...)
	return cp
}

// UnknownProductTitle is shown in place of a product that no longer resolves.
const UnknownProductTitle = "deleted product"

// UnknownProduct returns the placeholder rendered for an order whose product
// is missing.
func UnknownProduct(id string) Product {
	return Product{
		ID:     id,
		Title:  UnknownProductTitle,
		Price:  decimal.Zero,
		Status: ProductUnavailable,
	}
}

// SelectedOptions the choices a customer made for one order
type SelectedOptions struct {
	Size     string   `json:"size,omitempty"`
	Toppings []string `json:"toppings,omitempty"`
}

// Order сущность заказа
type Order struct {
	ID              string          `json:"id"`
	CustomerName    string          `json:"customer_name"`
	CustomerContact string          `json:"customer_contact"`
	ProductID       string          `json:"product_id"`
	Quantity        int             `json:"quantity"`
	SelectedOptions SelectedOptions `json:"selected_options"`
	Note            string          `json:"note,omitempty"`
	Status          OrderStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers never share the toppings slice.
func (o Order) Clone() Order {
	cp := o
	if o.SelectedOptions.Toppings != nil {
		cp.SelectedOptions.Toppings = append([]string(nil), o.SelectedOptions.Toppings...)
	}
	return cp
}

// DedupToppings drops blank and repeated toppings keeping first occurrence order.
func DedupToppings(toppings []string) []string {
	if len(toppings) == 0 {
		return nil
	}
	out := make([]string, 0, len(toppings))
	for _, t := range toppings {
		t = strings.TrimSpace(t)
		if t == "" || contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}
