package orders

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/apiclient"
	"storefront/auth"
	"storefront/cart"
	"storefront/fakeapi"
	"storefront/models"
	"storefront/notify"
	"storefront/tokenstore"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var address = models.ShippingAddress{
	FullName: "Ama Mensah",
	Phone:    "+233 20 000 0000",
	Street:   "12 Ring Road",
	City:     "Accra",
	Region:   "Greater Accra",
	Country:  "Ghana",
}

type recorder struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recorder) Notify(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) count(level notify.Level, op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.notes {
		if note.Level == level && note.Op == op {
			n++
		}
	}
	return n
}

type fixture struct {
	srv    *fakeapi.Server
	auth   *auth.Store
	cart   *cart.Store
	orders *Store
	notes  *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := fakeapi.New(fakeapi.WithLogger(quiet))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client := apiclient.New(apiclient.Config{BaseURL: ts.URL, Timeout: 2 * time.Second}, apiclient.WithLogger(quiet))
	a := auth.New(client, tokenstore.NewMemory(""), auth.WithLogger(quiet))
	client.SetTokenSource(a)
	client.OnUnauthorized(a.Expire)

	notes := &recorder{}
	c := cart.New(client, a, cart.WithLogger(quiet))
	o := New(client, a, c, WithLogger(quiet), WithNotifier(notes))
	a.Subscribe(c.Track(context.Background()))
	a.Subscribe(o.Track(context.Background()))

	return &fixture{srv: srv, auth: a, cart: c, orders: o, notes: notes}
}

func (f *fixture) signIn(t *testing.T, email string) {
	t.Helper()
	_, err := f.srv.AddUser(models.Profile{FirstName: "Ama", LastName: "Mensah", Email: email, Password: "secret1"}, models.RoleUser)
	require.NoError(t, err)
	_, err = f.auth.Login(context.Background(), email, "secret1")
	require.NoError(t, err)
}

func (f *fixture) fillCart(t *testing.T) {
	t.Helper()
	_, err := f.cart.AddItem(context.Background(), "p1", 2)
	require.NoError(t, err)
	_, err = f.cart.AddItem(context.Background(), "p2", 1)
	require.NoError(t, err)
}

func TestPlaceOrderRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.signIn(t, "ama@example.com")
	f.fillCart(t)

	order, err := f.orders.PlaceOrder(context.Background(), address, models.PaymentCashOnDelivery)
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
	assert.True(t, order.Subtotal.Equal(decimal.NewFromInt(20)), "subtotal %s", order.Subtotal)
	assert.True(t, order.Total.Equal(decimal.NewFromInt(20)), "total %s", order.Total)
	assert.True(t, order.ShippingFee.IsZero())
	assert.Len(t, order.Items, 2)
	assert.Equal(t, 3, order.ItemCount())
	assert.Equal(t, models.OrderPending, order.Status)
	assert.Equal(t, StatusPlaced, f.orders.Status())
	assert.Equal(t, 1, f.notes.count(notify.LevelSuccess, opPlace))

	// placement empties the cart and heads the history
	assert.True(t, f.cart.Snapshot().Empty())
	require.Eventually(t, func() bool {
		list := f.orders.Orders()
		return len(list) > 0 && list[0].ID == order.ID
	}, time.Second, 5*time.Millisecond)

	f.srv.SetPrice("p1", decimal.NewFromInt(7))
	f.srv.SetOrderStatus(order.ID, models.OrderShipped)

	fetched, err := f.orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderShipped, fetched.Status)
	for _, it := range fetched.Items {
		if it.ProductID == "p1" {
			assert.True(t, it.Price.Equal(decimal.NewFromInt(5)), "captured price survives a price change")
		}
	}
	assert.True(t, fetched.Total.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, models.OrderShipped, f.orders.Orders()[0].Status)
}

func TestPlaceOrderWithCoupon(t *testing.T) {
	f := newFixture(t)
	f.signIn(t, "ama@example.com")
	f.fillCart(t)
	_, err := f.cart.ApplyCoupon(context.Background(), "SAVE10")
	require.NoError(t, err)

	order, err := f.orders.PlaceOrder(context.Background(), address, models.PaymentMobileMoney)
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", order.CouponCode)
	assert.True(t, order.Discount.Equal(decimal.NewFromInt(2)))
	assert.True(t, order.Total.Equal(decimal.NewFromInt(18)))
	assert.Nil(t, f.cart.Snapshot().Coupon)
}

func TestDoublePlaceSubmitsOnce(t *testing.T) {
	f := newFixture(t)
	f.signIn(t, "ama@example.com")
	f.fillCart(t)

	release := f.srv.Delay("POST /orders")
	first := make(chan error, 1)
	go func() {
		_, err := f.orders.PlaceOrder(context.Background(), address, models.PaymentCashOnDelivery)
		first <- err
	}()
	require.Eventually(t, func() bool { return f.orders.Status() == StatusPlacing }, time.Second, 5*time.Millisecond)

	_, err := f.orders.PlaceOrder(context.Background(), address, models.PaymentCashOnDelivery)
	require.Error(t, err)
	assert.Equal(t, apiclient.KindConflict, apiclient.KindOf(err))
	assert.Equal(t, StatusPlacing, f.orders.Status(), "rejection leaves the first placement alone")

	release()
	require.NoError(t, <-first)
	assert.Equal(t, 1, f.srv.Count("POST /orders"))

	list, err := f.orders.RefreshOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPlaceOrderPreconditions(t *testing.T) {
	t.Run("unauthenticated", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orders.PlaceOrder(context.Background(), address, models.PaymentCashOnDelivery)
		assert.Equal(t, apiclient.KindAuthentication, apiclient.KindOf(err))
		assert.Equal(t, StatusFailed, f.orders.Status())
		assert.Zero(t, f.srv.Count("POST /orders"))
	})

	t.Run("empty cart", func(t *testing.T) {
		f := newFixture(t)
		f.signIn(t, "ama@example.com")
		_, err := f.orders.PlaceOrder(context.Background(), address, models.PaymentCashOnDelivery)
		assert.Equal(t, apiclient.KindConflict, apiclient.KindOf(err))
		assert.Equal(t, "Your cart is empty.", apiclient.UserMessage(err))
		assert.Zero(t, f.srv.Count("POST /orders"))
	})

	t.Run("incomplete address", func(t *testing.T) {
		f := newFixture(t)
		f.signIn(t, "ama@example.com")
		f.fillCart(t)
		addr := address
		addr.City = " "
		addr.Phone = ""
		_, err := f.orders.PlaceOrder(context.Background(), addr, models.PaymentCashOnDelivery)
		assert.Equal(t, apiclient.KindValidation, apiclient.KindOf(err))
		assert.Equal(t, "Please complete your shipping address: phone, city.", apiclient.UserMessage(err))
		assert.Zero(t, f.srv.Count("POST /orders"))
		assert.Equal(t, 3, f.cart.Snapshot().ItemCount)
	})

	t.Run("payment method", func(t *testing.T) {
		f := newFixture(t)
		f.signIn(t, "ama@example.com")
		f.fillCart(t)
		_, err := f.orders.PlaceOrder(context.Background(), address, models.PaymentMethod("card"))
		assert.Equal(t, apiclient.KindValidation, apiclient.KindOf(err))
		assert.Zero(t, f.srv.Count("POST /orders"))
	})
}

func TestServerFailureKeepsCartAndAllowsRetry(t *testing.T) {
	f := newFixture(t)
	f.signIn(t, "ama@example.com")
	f.fillCart(t)
	before := f.cart.Snapshot()

	f.srv.FailNext("POST /orders", http.StatusInternalServerError, "boom")
	_, err := f.orders.PlaceOrder(context.Background(), address, models.PaymentCashOnDelivery)
	require.Error(t, err)
	assert.Equal(t, apiclient.KindServer, apiclient.KindOf(err))
	assert.Equal(t, StatusFailed, f.orders.Status())
	assert.Equal(t, err, f.orders.LastError())
	assert.Equal(t, before, f.cart.Snapshot())
	assert.Equal(t, 1, f.notes.count(notify.LevelError, opPlace))

	_, err = f.orders.PlaceOrder(context.Background(), address, models.PaymentCashOnDelivery)
	require.NoError(t, err)
	assert.Equal(t, StatusPlaced, f.orders.Status())
	assert.Nil(t, f.orders.LastError())
}

func TestTimedOutPlacementResendsSameKey(t *testing.T) {
	f := newFixture(t)
	f.signIn(t, "ama@example.com")
	f.fillCart(t)

	// the server stores the order but the answer never arrives in time
	release := f.srv.Delay("POST /orders")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	_, err := f.orders.PlaceOrder(ctx, address, models.PaymentCashOnDelivery)
	cancel()
	require.Error(t, err)
	assert.Equal(t, apiclient.KindNetwork, apiclient.KindOf(err))
	assert.Equal(t, 3, f.cart.Snapshot().ItemCount, "local cart untouched")
	release()

	order, err := f.orders.PlaceOrder(context.Background(), address, models.PaymentCashOnDelivery)
	require.NoError(t, err)
	assert.Equal(t, 2, f.srv.Count("POST /orders"))

	list, err := f.orders.RefreshOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1, "the resend was recognised, not stored twice")
	assert.Equal(t, order.ID, list[0].ID)
}

func TestLogoutClearsHistory(t *testing.T) {
	f := newFixture(t)
	f.signIn(t, "ama@example.com")
	f.fillCart(t)
	_, err := f.orders.PlaceOrder(context.Background(), address, models.PaymentCashOnDelivery)
	require.NoError(t, err)
	require.NotEmpty(t, f.orders.Orders())

	require.NoError(t, f.auth.Logout(context.Background()))
	assert.Empty(t, f.orders.Orders())
	_, err = f.orders.FetchUserOrders(context.Background())
	assert.Equal(t, apiclient.KindAuthentication, apiclient.KindOf(err))

	f.signIn(t, "kofi@example.com")
	list, err := f.orders.FetchUserOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list, "another user's history never shows")
}

func TestRefreshIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.signIn(t, "ama@example.com")
	f.fillCart(t)
	_, err := f.orders.PlaceOrder(context.Background(), address, models.PaymentCashOnDelivery)
	require.NoError(t, err)

	first, err := f.orders.RefreshOrders(context.Background())
	require.NoError(t, err)
	second, err := f.orders.RefreshOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, second, f.orders.Orders())
}

func TestLateHistoryForPreviousUserIsDropped(t *testing.T) {
	f := newFixture(t)
	f.signIn(t, "ama@example.com")
	f.fillCart(t)
	_, err := f.orders.PlaceOrder(context.Background(), address, models.PaymentCashOnDelivery)
	require.NoError(t, err)

	release := f.srv.Delay("GET /orders")
	done := make(chan error, 1)
	go func() {
		_, err := f.orders.RefreshOrders(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return f.srv.Count("GET /orders") >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.auth.Logout(context.Background()))
	release()

	err = <-done
	assert.Equal(t, apiclient.KindConflict, apiclient.KindOf(err))
	assert.Empty(t, f.orders.Orders())
}

func TestLatePlacementLeavesNextUsersCart(t *testing.T) {
	f := newFixture(t)
	f.signIn(t, "ama@example.com")
	f.fillCart(t)

	release := f.srv.Delay("POST /orders")
	defer release()
	done := make(chan error, 1)
	go func() {
		_, err := f.orders.PlaceOrder(context.Background(), address, models.PaymentMobileMoney)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.srv.Count("POST /orders") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.auth.Logout(context.Background()))
	f.signIn(t, "kofi@example.com")
	_, err := f.cart.AddItem(context.Background(), "p1", 1)
	require.NoError(t, err)

	release()
	require.NoError(t, <-done)

	assert.Equal(t, 0, f.srv.Count("DELETE /cart"))
	assert.Equal(t, 1, f.cart.Snapshot().ItemCount)
	c, err := f.cart.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, c.ItemCount, "server cart untouched")
	assert.Empty(t, f.orders.Orders())
}
