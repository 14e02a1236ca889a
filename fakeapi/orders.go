package fakeapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/shopspring/decimal"

	"storefront/middleware"
	"storefront/models"
	"storefront/utils"
)

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req models.OrderRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid order payload")
		return
	}
	if len(req.Items) == 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "Order has no items")
		return
	}
	if missing := req.ShippingAddress.Missing(); len(missing) > 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "Shipping address is missing: "+strings.Join(missing, ", "))
		return
	}
	if !req.PaymentMethod.Valid() {
		utils.RespondWithError(w, http.StatusBadRequest, "Unsupported payment method")
		return
	}

	userID := middleware.UserID(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	subtotal := decimal.Zero
	items := make([]models.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		p, ok := s.products[it.ProductID]
		if !ok {
			utils.RespondWithError(w, http.StatusBadRequest, "Unknown product "+it.ProductID)
			return
		}
		if it.Quantity < 1 {
			utils.RespondWithError(w, http.StatusBadRequest, "Quantity must be at least 1")
			return
		}
		if it.Name == "" {
			it.Name = p.Name
		}
		items = append(items, it)
		subtotal = subtotal.Add(it.LineTotal())
	}

	discount := decimal.Zero
	if pct, ok := s.coupons[strings.ToUpper(req.CouponCode)]; ok {
		discount = subtotal.Mul(pct).Div(hundred).Round(2)
	}

	order := models.Order{
		ID:              newID(),
		UserID:          userID,
		Items:           items,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		CouponCode:      req.CouponCode,
		Subtotal:        subtotal,
		Discount:        discount,
		ShippingFee:     decimal.Zero,
		Total:           models.ClampTotal(subtotal.Sub(discount)),
		Status:          models.OrderPending,
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
	}
	s.orders[userID] = append([]models.Order{order}, s.orders[userID]...)

	c := s.cartFor(userID)
	c.lines = nil
	c.coupon = ""

	utils.SendResponse(w, http.StatusCreated, utils.M{"order": order}, "Order placed")
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	out := make([]models.Order, len(s.orders[middleware.UserID(r)]))
	copy(out, s.orders[middleware.UserID(r)])
	s.mu.Unlock()

	utils.SendResponse(w, http.StatusOK, utils.M{"orders": out}, "")
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.orders[middleware.UserID(r)] {
		if o.ID == ps.ByName("id") {
			utils.SendResponse(w, http.StatusOK, utils.M{"order": o}, "")
			return
		}
	}
	utils.RespondWithError(w, http.StatusNotFound, "Order not found")
}
