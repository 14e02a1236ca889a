package apiclient

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"storefront/models"
)

// This file is the normalization boundary: server payloads are mapped onto the
// fixed schema in models here and nowhere else.

func decodeError(what string, err error) *Error {
	return &Error{Kind: KindServer, Op: "decode " + what, Message: msgServer, Err: err}
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

// unwrapKey returns the value under the first present key when raw is an
// object holding it; otherwise raw itself.
func unwrapKey(raw json.RawMessage, keys ...string) json.RawMessage {
	if !isObject(raw) {
		return raw
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw
	}
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			return v
		}
	}
	return raw
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstDecimal(vals ...decimal.NullDecimal) (decimal.Decimal, bool) {
	for _, v := range vals {
		if v.Valid {
			return v.Decimal, true
		}
	}
	return decimal.Zero, false
}

// --- products ---

type wireProduct struct {
	ID           string              `json:"id"`
	MongoID      string              `json:"_id"`
	ProductID    string              `json:"productId"`
	Name         string              `json:"name"`
	Title        string              `json:"title"`
	Description  string              `json:"description"`
	Category     json.RawMessage     `json:"category"`
	Image        string              `json:"image"`
	Images       []string            `json:"images"`
	Price        decimal.NullDecimal `json:"price"`
	Stock        *int                `json:"stock"`
	CountInStock *int                `json:"countInStock"`
	Quantity     *int                `json:"quantity"`
	InStock      *bool               `json:"inStock"`
}

func (w wireProduct) model() models.Product {
	p := models.Product{
		ID:          firstNonEmpty(w.ID, w.MongoID, w.ProductID),
		Name:        firstNonEmpty(w.Name, w.Title),
		Description: w.Description,
		Category:    categoryName(w.Category),
		Image:       w.Image,
		Price:       w.Price.Decimal,
	}
	if p.Image == "" && len(w.Images) > 0 {
		p.Image = w.Images[0]
	}
	switch {
	case w.Stock != nil:
		p.Stock = *w.Stock
	case w.CountInStock != nil:
		p.Stock = *w.CountInStock
	case w.Quantity != nil:
		p.Stock = *w.Quantity
	case w.InStock != nil && *w.InStock:
		p.Stock = 1
	}
	return p
}

func categoryName(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var c wireCategory
	if err := json.Unmarshal(raw, &c); err == nil {
		return firstNonEmpty(c.Name, c.Slug, c.ID, c.MongoID)
	}
	return ""
}

func DecodeProduct(env *Envelope) (models.Product, error) {
	raw := unwrapKey(env.Data, "product")
	var w wireProduct
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.Product{}, decodeError("product", err)
	}
	return w.model(), nil
}

func DecodeProducts(env *Envelope) ([]models.Product, error) {
	raw := unwrapKey(env.Data, "products", "items")
	if isNull(raw) {
		return []models.Product{}, nil
	}
	var ws []wireProduct
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, decodeError("products", err)
	}
	out := make([]models.Product, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.model())
	}
	return out, nil
}

type wireCategory struct {
	ID      string `json:"id"`
	MongoID string `json:"_id"`
	Name    string `json:"name"`
	Slug    string `json:"slug"`
}

func DecodeCategories(env *Envelope) ([]models.Category, error) {
	raw := unwrapKey(env.Data, "categories")
	if isNull(raw) {
		return []models.Category{}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, decodeError("categories", err)
	}
	out := make([]models.Category, 0, len(items))
	for _, item := range items {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			out = append(out, models.Category{ID: name, Name: name, Slug: name})
			continue
		}
		var w wireCategory
		if err := json.Unmarshal(item, &w); err != nil {
			return nil, decodeError("categories", err)
		}
		out = append(out, models.Category{
			ID:   firstNonEmpty(w.ID, w.MongoID, w.Slug, w.Name),
			Name: firstNonEmpty(w.Name, w.Slug),
			Slug: w.Slug,
		})
	}
	return out, nil
}

// productRef resolves a field that is either an id string or a populated
// product object.
func productRef(raw json.RawMessage) (id string, p *models.Product) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var w wireProduct
	if err := json.Unmarshal(raw, &w); err == nil {
		m := w.model()
		return m.ID, &m
	}
	return "", nil
}

// --- cart ---

type wireCartLine struct {
	ID              string              `json:"id"`
	MongoID         string              `json:"_id"`
	ProductID       json.RawMessage     `json:"productId"`
	Product         json.RawMessage     `json:"product"`
	Quantity        int                 `json:"quantity"`
	Price           decimal.NullDecimal `json:"price"`
	PriceAtAddition decimal.NullDecimal `json:"priceAtAddition"`
	Name            string              `json:"name"`
	Image           string              `json:"image"`
}

func (w wireCartLine) model() models.CartLine {
	id, prod := productRef(w.Product)
	if pid, p := productRef(w.ProductID); pid != "" {
		id = pid
		if prod == nil {
			prod = p
		}
	}
	line := models.CartLine{
		ProductID: id,
		Quantity:  w.Quantity,
		Product: models.ProductSnapshot{
			Name:  w.Name,
			Image: w.Image,
		},
	}
	if prod != nil {
		line.Product.Name = firstNonEmpty(line.Product.Name, prod.Name)
		line.Product.Image = firstNonEmpty(line.Product.Image, prod.Image)
		line.Product.Price = prod.Price
	}
	line.ID = firstNonEmpty(w.ID, w.MongoID, line.ProductID)

	captured, ok := firstDecimal(w.PriceAtAddition, w.Price)
	if !ok {
		captured = line.Product.Price
	}
	line.PriceAtAddition = captured
	if line.Product.Price.IsZero() {
		line.Product.Price = captured
	}
	return line
}

type wireCoupon struct {
	Code     string              `json:"code"`
	Discount decimal.NullDecimal `json:"discount"`
	Percent  decimal.NullDecimal `json:"percent"`
}

type wireCart struct {
	Items      []wireCartLine      `json:"items"`
	Lines      []wireCartLine      `json:"lines"`
	Coupon     json.RawMessage     `json:"coupon"`
	CouponCode string              `json:"couponCode"`
	Subtotal   decimal.NullDecimal `json:"subtotal"`
	Discount   decimal.NullDecimal `json:"discount"`
	Total      decimal.NullDecimal `json:"total"`
	ItemCount  *int                `json:"itemCount"`
	TotalItems *int                `json:"totalItems"`
}

// DecodeCart maps any cart payload onto models.Cart. Derived totals are taken
// from the server; they are recomputed only when the payload omits them.
func DecodeCart(env *Envelope) (models.Cart, error) {
	raw := unwrapKey(env.Data, "cart")
	if isNull(raw) {
		return models.Cart{Lines: []models.CartLine{}}, nil
	}

	var w wireCart
	if !isObject(raw) {
		// a bare array of lines
		if err := json.Unmarshal(raw, &w.Items); err != nil {
			return models.Cart{}, decodeError("cart", err)
		}
	} else if err := json.Unmarshal(raw, &w); err != nil {
		return models.Cart{}, decodeError("cart", err)
	}

	lines := w.Items
	if lines == nil {
		lines = w.Lines
	}
	cart := models.Cart{Lines: make([]models.CartLine, 0, len(lines))}
	for _, wl := range lines {
		cart.Lines = append(cart.Lines, wl.model())
	}

	cart.Coupon = decodeCoupon(w.Coupon, w.CouponCode)
	discount, hasDiscount := firstDecimal(w.Discount)
	if !hasDiscount && cart.Coupon != nil {
		discount = cart.Coupon.Discount
	}
	cart.Discount = discount
	if cart.Coupon != nil && cart.Coupon.Discount.IsZero() {
		cart.Coupon.Discount = discount
	}

	count := w.ItemCount
	if count == nil {
		count = w.TotalItems
	}
	if !w.Subtotal.Valid || !w.Total.Valid || count == nil {
		return cart.Recompute(), nil
	}
	cart.Subtotal = w.Subtotal.Decimal
	cart.Total = models.ClampTotal(w.Total.Decimal)
	cart.ItemCount = *count
	return cart, nil
}

func decodeCoupon(raw json.RawMessage, code string) *models.Coupon {
	if !isNull(raw) {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			code = s
		} else {
			var w wireCoupon
			if err := json.Unmarshal(raw, &w); err == nil && w.Code != "" {
				return &models.Coupon{Code: w.Code, Discount: w.Discount.Decimal, Percent: w.Percent.Decimal}
			}
		}
	}
	if strings.TrimSpace(code) == "" {
		return nil
	}
	return &models.Coupon{Code: code}
}

// --- auth ---

type wireUser struct {
	ID        string          `json:"id"`
	MongoID   string          `json:"_id"`
	UserID    string          `json:"userId"`
	FirstName string          `json:"firstName"`
	LastName  string          `json:"lastName"`
	Name      string          `json:"name"`
	Email     string          `json:"email"`
	Phone     string          `json:"phone"`
	Role      json.RawMessage `json:"role"`
	IsAdmin   bool            `json:"isAdmin"`
}

func (w wireUser) model() models.User {
	u := models.User{
		ID:        firstNonEmpty(w.ID, w.MongoID, w.UserID),
		FirstName: w.FirstName,
		LastName:  w.LastName,
		Email:     w.Email,
		Phone:     w.Phone,
		Role:      models.RoleUser,
	}
	if u.FirstName == "" && u.LastName == "" && w.Name != "" {
		first, last, _ := strings.Cut(strings.TrimSpace(w.Name), " ")
		u.FirstName, u.LastName = first, strings.TrimSpace(last)
	}
	if w.IsAdmin || roleIsAdmin(w.Role) {
		u.Role = models.RoleAdmin
	}
	return u
}

// roleIsAdmin accepts "admin" or ["user","admin"].
func roleIsAdmin(raw json.RawMessage) bool {
	if isNull(raw) {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.EqualFold(s, string(models.RoleAdmin))
	}
	var roles []string
	if err := json.Unmarshal(raw, &roles); err == nil {
		for _, r := range roles {
			if strings.EqualFold(r, string(models.RoleAdmin)) {
				return true
			}
		}
	}
	return false
}

func DecodeUser(env *Envelope) (models.User, error) {
	raw := unwrapKey(env.Data, "user")
	var w wireUser
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.User{}, decodeError("user", err)
	}
	u := w.model()
	if u.ID == "" {
		return models.User{}, decodeError("user", errMissing("user id"))
	}
	return u, nil
}

type wireSession struct {
	Token       string          `json:"token"`
	AccessToken string          `json:"accessToken"`
	User        json.RawMessage `json:"user"`
}

// DecodeSession extracts the token and identity from a login-like response.
// Token may sit beside the data or inside it.
func DecodeSession(env *Envelope) (string, models.User, error) {
	var w wireSession
	if err := json.Unmarshal(env.Data, &w); err != nil {
		return "", models.User{}, decodeError("session", err)
	}
	token := firstNonEmpty(w.Token, w.AccessToken)
	if token == "" {
		return "", models.User{}, decodeError("session", errMissing("token"))
	}
	userRaw := w.User
	if isNull(userRaw) {
		userRaw = env.Data
	}
	u, err := DecodeUser(&Envelope{Data: userRaw})
	if err != nil {
		return "", models.User{}, err
	}
	return token, u, nil
}

// DecodeToken extracts a rotated token when a response carries one.
func DecodeToken(env *Envelope) string {
	if isNull(env.Data) || !isObject(env.Data) {
		return ""
	}
	var w wireSession
	if err := json.Unmarshal(env.Data, &w); err != nil {
		return ""
	}
	return firstNonEmpty(w.Token, w.AccessToken)
}

// --- orders ---

type wireOrderItem struct {
	ProductID json.RawMessage     `json:"productId"`
	Product   json.RawMessage     `json:"product"`
	Name      string              `json:"name"`
	Image     string              `json:"image"`
	Price     decimal.NullDecimal `json:"price"`
	Quantity  int                 `json:"quantity"`
	Qty       int                 `json:"qty"`
}

func (w wireOrderItem) model() models.OrderItem {
	id, prod := productRef(w.Product)
	if pid, _ := productRef(w.ProductID); pid != "" {
		id = pid
	}
	it := models.OrderItem{
		ProductID: id,
		Name:      w.Name,
		Image:     w.Image,
		Price:     w.Price.Decimal,
		Quantity:  w.Quantity,
	}
	if it.Quantity == 0 {
		it.Quantity = w.Qty
	}
	if prod != nil {
		it.Name = firstNonEmpty(it.Name, prod.Name)
		it.Image = firstNonEmpty(it.Image, prod.Image)
		if !w.Price.Valid {
			it.Price = prod.Price
		}
	}
	return it
}

type wireOrder struct {
	ID              string                 `json:"id"`
	MongoID         string                 `json:"_id"`
	OrderID         string                 `json:"orderId"`
	UserID          json.RawMessage        `json:"userId"`
	User            json.RawMessage        `json:"user"`
	Items           []wireOrderItem        `json:"items"`
	OrderItems      []wireOrderItem        `json:"orderItems"`
	ShippingAddress models.ShippingAddress `json:"shippingAddress"`
	PaymentMethod   string                 `json:"paymentMethod"`
	CouponCode      string                 `json:"couponCode"`
	Subtotal        decimal.NullDecimal    `json:"subtotal"`
	ItemsPrice      decimal.NullDecimal    `json:"itemsPrice"`
	Discount        decimal.NullDecimal    `json:"discount"`
	ShippingFee     decimal.NullDecimal    `json:"shippingFee"`
	ShippingPrice   decimal.NullDecimal    `json:"shippingPrice"`
	Total           decimal.NullDecimal    `json:"total"`
	TotalPrice      decimal.NullDecimal    `json:"totalPrice"`
	TotalAmount     decimal.NullDecimal    `json:"totalAmount"`
	Status          string                 `json:"status"`
	CreatedAt       time.Time              `json:"createdAt"`
}

func (w wireOrder) model() models.Order {
	items := w.Items
	if items == nil {
		items = w.OrderItems
	}
	o := models.Order{
		ID:              firstNonEmpty(w.ID, w.MongoID, w.OrderID),
		UserID:          userRef(w.UserID, w.User),
		Items:           make([]models.OrderItem, 0, len(items)),
		ShippingAddress: w.ShippingAddress,
		CouponCode:      w.CouponCode,
		Status:          models.OrderStatus(strings.ToLower(firstNonEmpty(w.Status, string(models.OrderPending)))),
		CreatedAt:       w.CreatedAt,
	}
	if m, ok := models.ParsePaymentMethod(w.PaymentMethod); ok {
		o.PaymentMethod = m
	} else {
		o.PaymentMethod = models.PaymentMethod(w.PaymentMethod)
	}
	for _, wi := range items {
		o.Items = append(o.Items, wi.model())
	}

	subtotal, ok := firstDecimal(w.Subtotal, w.ItemsPrice)
	if !ok {
		for _, it := range o.Items {
			subtotal = subtotal.Add(it.LineTotal())
		}
	}
	o.Subtotal = subtotal
	o.Discount, _ = firstDecimal(w.Discount)
	o.ShippingFee, _ = firstDecimal(w.ShippingFee, w.ShippingPrice)
	total, ok := firstDecimal(w.Total, w.TotalPrice, w.TotalAmount)
	if !ok {
		total = subtotal.Sub(o.Discount).Add(o.ShippingFee)
	}
	o.Total = models.ClampTotal(total)
	return o
}

func userRef(ids ...json.RawMessage) string {
	for _, raw := range ids {
		if isNull(raw) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
		var w wireUser
		if err := json.Unmarshal(raw, &w); err == nil {
			if id := w.model().ID; id != "" {
				return id
			}
		}
	}
	return ""
}

func DecodeOrder(env *Envelope) (models.Order, error) {
	raw := unwrapKey(env.Data, "order")
	var w wireOrder
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.Order{}, decodeError("order", err)
	}
	o := w.model()
	if o.ID == "" {
		return models.Order{}, decodeError("order", errMissing("order id"))
	}
	return o, nil
}

func DecodeOrders(env *Envelope) ([]models.Order, error) {
	raw := unwrapKey(env.Data, "orders")
	if isNull(raw) {
		return []models.Order{}, nil
	}
	var ws []wireOrder
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, decodeError("orders", err)
	}
	out := make([]models.Order, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.model())
	}
	return out, nil
}

type errMissing string

func (e errMissing) Error() string {
	return "missing " + string(e)
}
