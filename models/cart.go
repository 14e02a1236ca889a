package models

import "github.com/shopspring/decimal"

// ProductSnapshot is the denormalized product data carried on a cart line for
// display. Price is the product's current price, not the captured one.
type ProductSnapshot struct {
	Name  string          `json:"name"`
	Image string          `json:"image,omitempty"`
	Price decimal.Decimal `json:"price"`
}

// CartLine represents a single product in the user's cart.
type CartLine struct {
	ID              string          `json:"id"`
	ProductID       string          `json:"productId"`
	Quantity        int             `json:"quantity"`
	PriceAtAddition decimal.Decimal `json:"priceAtAddition"` // unit price captured at add-time
	Product         ProductSnapshot `json:"product"`
}

func (l CartLine) LineTotal() decimal.Decimal {
	return l.PriceAtAddition.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Coupon is the code applied to a cart together with the absolute discount
// the server granted for it.
type Coupon struct {
	Code     string          `json:"code"`
	Discount decimal.Decimal `json:"discount"`
	Percent  decimal.Decimal `json:"percent,omitempty"`
}

// Cart is the aggregate the server returns from every cart endpoint. It is
// read and replaced as a whole.
type Cart struct {
	Lines     []CartLine      `json:"items"`
	Coupon    *Coupon         `json:"coupon,omitempty"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Discount  decimal.Decimal `json:"discount"`
	Total     decimal.Decimal `json:"total"`
	ItemCount int             `json:"itemCount"`
}

func (c Cart) Empty() bool {
	return len(c.Lines) == 0
}

// Line finds the line holding productID.
func (c Cart) Line(productID string) (CartLine, bool) {
	for _, l := range c.Lines {
		if l.ProductID == productID {
			return l, true
		}
	}
	return CartLine{}, false
}

// Recompute derives Subtotal, Total and ItemCount from the lines and the
// current Discount. Total is clamped at zero.
func (c Cart) Recompute() Cart {
	subtotal := decimal.Zero
	count := 0
	for _, l := range c.Lines {
		subtotal = subtotal.Add(l.LineTotal())
		count += l.Quantity
	}
	c.Subtotal = subtotal
	c.ItemCount = count
	c.Total = ClampTotal(subtotal.Sub(c.Discount))
	return c
}

// Clone returns a deep copy safe to hand to callers.
func (c Cart) Clone() Cart {
	out := c
	if c.Lines != nil {
		out.Lines = make([]CartLine, len(c.Lines))
		copy(out.Lines, c.Lines)
	}
	if c.Coupon != nil {
		cp := *c.Coupon
		out.Coupon = &cp
	}
	return out
}

// ClampTotal never lets a total go negative.
func ClampTotal(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
