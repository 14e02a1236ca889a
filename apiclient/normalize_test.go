package apiclient

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/models"
)

func env(data string) *Envelope {
	return &Envelope{Status: 200, Success: true, Data: []byte(data)}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestDecodeCart_ServerTotalsAreAuthoritative(t *testing.T) {
	cart, err := DecodeCart(env(`{
		"items": [{"id": "l1", "productId": "p1", "quantity": 2, "priceAtAddition": "5", "product": {"id": "p1", "name": "Mug", "price": 6}}],
		"coupon": {"code": "SAVE10", "discount": "1"},
		"subtotal": "10", "discount": "1", "total": "9", "itemCount": 2
	}`))
	require.NoError(t, err)

	require.Len(t, cart.Lines, 1)
	l := cart.Lines[0]
	assert.Equal(t, "l1", l.ID)
	assert.Equal(t, "p1", l.ProductID)
	assert.True(t, l.PriceAtAddition.Equal(dec("5")))
	assert.True(t, l.Product.Price.Equal(dec("6")))
	assert.Equal(t, "Mug", l.Product.Name)
	require.NotNil(t, cart.Coupon)
	assert.Equal(t, "SAVE10", cart.Coupon.Code)
	assert.True(t, cart.Total.Equal(dec("9")))
	assert.Equal(t, 2, cart.ItemCount)
}

func TestDecodeCart_NestedUnderCartKeyAndMissingTotals(t *testing.T) {
	cart, err := DecodeCart(env(`{"cart": {"lines": [
		{"_id": "x", "product": {"_id": "p1", "title": "Tea", "price": 5}, "quantity": 2},
		{"product": "p2", "price": 10, "quantity": 1}
	]}}`))
	require.NoError(t, err)

	require.Len(t, cart.Lines, 2)
	assert.Equal(t, "x", cart.Lines[0].ID)
	assert.Equal(t, "Tea", cart.Lines[0].Product.Name)
	assert.True(t, cart.Lines[0].PriceAtAddition.Equal(dec("5")))
	assert.Equal(t, "p2", cart.Lines[1].ID, "line id falls back to product id")
	assert.True(t, cart.Subtotal.Equal(dec("20")))
	assert.True(t, cart.Total.Equal(dec("20")))
	assert.Equal(t, 3, cart.ItemCount)
}

func TestDecodeCart_NullIsEmpty(t *testing.T) {
	cart, err := DecodeCart(env(`null`))
	require.NoError(t, err)
	assert.True(t, cart.Empty())
	assert.True(t, cart.Total.IsZero())
}

func TestDecodeCart_Malformed(t *testing.T) {
	_, err := DecodeCart(env(`{"items": "nope"}`))
	assert.Equal(t, KindServer, KindOf(err))
}

func TestDecodeProducts_StockVariants(t *testing.T) {
	ps, err := DecodeProducts(env(`{"products": [
		{"id": "a", "name": "A", "price": "1.50", "stock": 3},
		{"_id": "b", "name": "B", "price": 2, "countInStock": 0},
		{"productId": "c", "name": "C", "price": 3, "quantity": 7, "category": {"name": "Kitchen"}},
		{"id": "d", "name": "D", "price": 4, "inStock": true, "images": ["d.png"]}
	]}`))
	require.NoError(t, err)
	require.Len(t, ps, 4)

	assert.Equal(t, 3, ps[0].Stock)
	assert.True(t, ps[0].Price.Equal(dec("1.5")))
	assert.Equal(t, "b", ps[1].ID)
	assert.False(t, ps[1].InStock())
	assert.Equal(t, 7, ps[2].Stock)
	assert.Equal(t, "Kitchen", ps[2].Category)
	assert.True(t, ps[3].InStock())
	assert.Equal(t, "d.png", ps[3].Image)
}

func TestDecodeCategories_StringsOrObjects(t *testing.T) {
	cs, err := DecodeCategories(env(`["kitchen", {"_id": "9", "name": "Garden", "slug": "garden"}]`))
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, "kitchen", cs[0].Name)
	assert.Equal(t, "9", cs[1].ID)
	assert.Equal(t, "garden", cs[1].Slug)
}

func TestDecodeSession(t *testing.T) {
	token, user, err := DecodeSession(env(`{"token": "jwt", "user": {"_id": "u1", "name": "Ama Mensah", "email": "ama@example.com", "role": ["user", "admin"]}}`))
	require.NoError(t, err)
	assert.Equal(t, "jwt", token)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "Ama", user.FirstName)
	assert.Equal(t, "Mensah", user.LastName)
	assert.Equal(t, models.RoleAdmin, user.Role)
}

func TestDecodeSession_FlatUserAndAccessToken(t *testing.T) {
	token, user, err := DecodeSession(env(`{"accessToken": "jwt", "id": "u2", "firstName": "Kofi", "email": "k@example.com"}`))
	require.NoError(t, err)
	assert.Equal(t, "jwt", token)
	assert.Equal(t, "u2", user.ID)
	assert.Equal(t, models.RoleUser, user.Role)
}

func TestDecodeSession_MissingToken(t *testing.T) {
	_, _, err := DecodeSession(env(`{"user": {"id": "u1"}}`))
	assert.Equal(t, KindServer, KindOf(err))
}

func TestDecodeOrder_VariantsAndFallbackTotal(t *testing.T) {
	o, err := DecodeOrder(env(`{"order": {
		"_id": "o1",
		"user": {"_id": "u1"},
		"orderItems": [{"product": {"id": "p1", "name": "Mug", "price": 99}, "price": 5, "qty": 2}],
		"paymentMethod": "cod",
		"status": "Pending",
		"createdAt": "2026-01-02T03:04:05Z"
	}}`))
	require.NoError(t, err)

	assert.Equal(t, "o1", o.ID)
	assert.Equal(t, "u1", o.UserID)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "p1", o.Items[0].ProductID)
	assert.Equal(t, "Mug", o.Items[0].Name)
	assert.True(t, o.Items[0].Price.Equal(dec("5")), "captured price wins over product price")
	assert.Equal(t, 2, o.Items[0].Quantity)
	assert.Equal(t, models.PaymentCashOnDelivery, o.PaymentMethod)
	assert.Equal(t, models.OrderPending, o.Status)
	assert.True(t, o.Subtotal.Equal(dec("10")))
	assert.True(t, o.Total.Equal(dec("10")))
}

func TestDecodeOrders_List(t *testing.T) {
	os, err := DecodeOrders(env(`{"orders": [{"id": "a", "total": 3}, {"id": "b", "totalPrice": "4"}]}`))
	require.NoError(t, err)
	require.Len(t, os, 2)
	assert.True(t, os[0].Total.Equal(dec("3")))
	assert.True(t, os[1].Total.Equal(dec("4")))
}

func TestDecodeToken(t *testing.T) {
	assert.Equal(t, "n", DecodeToken(env(`{"token": "n"}`)))
	assert.Equal(t, "", DecodeToken(env(`null`)))
	assert.Equal(t, "", DecodeToken(env(`[]`)))
}

func TestParseEnvelope(t *testing.T) {
	e := parseEnvelope([]byte(`{"success": true, "data": {"a": 1}}`), 200)
	assert.True(t, e.Success)
	assert.JSONEq(t, `{"a":1}`, string(e.Data))

	e = parseEnvelope([]byte(`{"a": 1}`), 201)
	assert.True(t, e.Success)
	assert.JSONEq(t, `{"a":1}`, string(e.Data))

	e = parseEnvelope(nil, 204)
	assert.True(t, e.Success)
	assert.Nil(t, e.Data)

	e = parseEnvelope([]byte(`{"success": false, "message": "no"}`), 200)
	assert.False(t, e.Success)
	assert.Equal(t, "no", e.Message)
}
