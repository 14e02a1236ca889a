package models

import "github.com/shopspring/decimal"

// Product is a catalog entry in the one internal schema; server variants are
// mapped onto it by apiclient.
type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	Image       string          `json:"image,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
}

func (p Product) InStock() bool {
	return p.Stock > 0
}

// Snapshot copies the display fields a cart line keeps.
func (p Product) Snapshot() ProductSnapshot {
	return ProductSnapshot{Name: p.Name, Image: p.Image, Price: p.Price}
}

type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug,omitempty"`
}
