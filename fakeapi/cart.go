package fakeapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/shopspring/decimal"

	"storefront/middleware"
	"storefront/models"
	"storefront/utils"
)

var hundred = decimal.NewFromInt(100)

// cartFor must be called with s.mu held.
func (s *Server) cartFor(userID string) *serverCart {
	c, ok := s.carts[userID]
	if !ok {
		c = &serverCart{}
		s.carts[userID] = c
	}
	return c
}

// aggregate renders the authoritative cart. Must be called with s.mu held.
func (s *Server) aggregate(c *serverCart) models.Cart {
	out := models.Cart{Lines: make([]models.CartLine, 0, len(c.lines))}
	for _, l := range c.lines {
		if p, ok := s.products[l.ProductID]; ok {
			l.Product = p.Snapshot()
		}
		out.Lines = append(out.Lines, l)
	}
	out = out.Recompute()

	if c.coupon != "" && len(out.Lines) > 0 {
		pct := s.coupons[c.coupon]
		discount := out.Subtotal.Mul(pct).Div(hundred).Round(2)
		out.Coupon = &models.Coupon{Code: c.coupon, Discount: discount, Percent: pct}
		out.Discount = discount
		out = out.Recompute()
	}
	return out
}

func (s *Server) respondCart(w http.ResponseWriter, status int, c *serverCart, message string) {
	utils.SendResponse(w, status, utils.M{"cart": s.aggregate(c)}, message)
}

func (s *Server) getCart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respondCart(w, http.StatusOK, s.cartFor(middleware.UserID(r)), "")
}

func (s *Server) addToCart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var input struct {
		ProductID string `json:"productId"`
		Quantity  int    `json:"quantity"`
	}
	if err := utils.DecodeJSON(r, &input); err != nil || input.ProductID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid input")
		return
	}
	if input.Quantity == 0 {
		input.Quantity = 1
	}
	if input.Quantity < 1 {
		utils.RespondWithError(w, http.StatusBadRequest, "Quantity must be at least 1")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[input.ProductID]
	if !ok {
		utils.RespondWithError(w, http.StatusNotFound, "Product not found")
		return
	}
	c := s.cartFor(middleware.UserID(r))

	idx := -1
	for i, l := range c.lines {
		if l.ProductID == p.ID {
			idx = i
			break
		}
	}
	want := input.Quantity
	if idx >= 0 {
		want += c.lines[idx].Quantity
	}
	if want > p.Stock {
		utils.RespondWithError(w, http.StatusBadRequest, stockMessage(p))
		return
	}

	if idx >= 0 {
		c.lines[idx].Quantity = want
	} else {
		c.lines = append(c.lines, models.CartLine{
			ID:              newID(),
			ProductID:       p.ID,
			Quantity:        want,
			PriceAtAddition: p.Price,
		})
	}
	s.respondCart(w, http.StatusOK, c, "Item added to cart")
}

func stockMessage(p *models.Product) string {
	if p.Stock == 0 {
		return p.Name + " is out of stock"
	}
	return fmt.Sprintf("Only %d of %s left in stock", p.Stock, p.Name)
}

func (s *Server) updateCartLine(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var input struct {
		Quantity int `json:"quantity"`
	}
	if err := utils.DecodeJSON(r, &input); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid input")
		return
	}
	if input.Quantity < 1 {
		utils.RespondWithError(w, http.StatusBadRequest, "Quantity must be at least 1")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.cartFor(middleware.UserID(r))
	for i, l := range c.lines {
		if l.ID != ps.ByName("lineId") {
			continue
		}
		if p, ok := s.products[l.ProductID]; ok && input.Quantity > p.Stock {
			utils.RespondWithError(w, http.StatusBadRequest, stockMessage(p))
			return
		}
		c.lines[i].Quantity = input.Quantity
		s.respondCart(w, http.StatusOK, c, "Cart updated")
		return
	}
	utils.RespondWithError(w, http.StatusNotFound, "Cart item not found")
}

func (s *Server) removeCartLine(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.cartFor(middleware.UserID(r))
	for i, l := range c.lines {
		if l.ID == ps.ByName("lineId") {
			c.lines = append(c.lines[:i], c.lines[i+1:]...)
			s.respondCart(w, http.StatusOK, c, "Item removed from cart")
			return
		}
	}
	utils.RespondWithError(w, http.StatusNotFound, "Cart item not found")
}

func (s *Server) clearCart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.cartFor(middleware.UserID(r))
	c.lines = nil
	c.coupon = ""
	s.respondCart(w, http.StatusOK, c, "Cart cleared")
}

func (s *Server) applyCoupon(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var input struct {
		Code string `json:"code"`
	}
	if err := utils.DecodeJSON(r, &input); err != nil || strings.TrimSpace(input.Code) == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "Coupon code is required")
		return
	}
	code := strings.ToUpper(strings.TrimSpace(input.Code))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.coupons[code]; !ok {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid coupon code")
		return
	}
	c := s.cartFor(middleware.UserID(r))
	if len(c.lines) == 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "Add items to your cart before applying a coupon")
		return
	}
	c.coupon = code
	s.respondCart(w, http.StatusOK, c, "Coupon applied")
}

func (s *Server) removeCoupon(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.cartFor(middleware.UserID(r))
	c.coupon = ""
	s.respondCart(w, http.StatusOK, c, "Coupon removed")
}
