package cart

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
	"storefront/fakeapi"
	"storefront/models"
	"storefront/notify"
	"storefront/tokenstore"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	srv   *fakeapi.Server
	auth  *auth.Store
	cart  *Store
	notes *recorder
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

func (r *recorder) last() notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notes) == 0 {
		return notify.Notification{}
	}
	return r.notes[len(r.notes)-1]
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
	return &fixture{
		srv:   srv,
		auth:  a,
		cart:  New(client, a, WithLogger(quiet), WithNotifier(notes)),
		notes: notes,
	}
}

func (f *fixture) login(t *testing.T, email string) {
	t.Helper()
	_, err := f.srv.AddUser(models.Profile{FirstName: "Ama", LastName: "Mensah", Email: email, Password: "secret1"}, models.RoleUser)
	require.NoError(t, err)
	_, err = f.auth.Login(context.Background(), email, "secret1")
	require.NoError(t, err)
}

func sumQuantities(c models.Cart) int {
	n := 0
	for _, l := range c.Lines {
		n += l.Quantity
	}
	return n
}

func TestMutationsRequireAuthentication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.cart.AddItem(ctx, "p1", 1)
	assert.Equal(t, apiclient.KindAuthentication, apiclient.KindOf(err))
	_, err = f.cart.Clear(ctx)
	assert.Equal(t, apiclient.KindAuthentication, apiclient.KindOf(err))
	_, err = f.cart.Refresh(ctx)
	assert.Equal(t, apiclient.KindAuthentication, apiclient.KindOf(err))

	assert.Zero(t, f.srv.Count("POST /cart"))
	assert.Zero(t, f.srv.Count("DELETE /cart"))
	assert.Zero(t, f.srv.Count("GET /cart"))
}

func TestItemCountTracksServerAggregate(t *testing.T) {
	f := newFixture(t)
	f.login(t, "ama@example.com")
	ctx := context.Background()

	steps := []func() (models.Cart, error){
		func() (models.Cart, error) { return f.cart.AddItem(ctx, "p1", 2) },
		func() (models.Cart, error) { return f.cart.AddItem(ctx, "p2", 1) },
		func() (models.Cart, error) { return f.cart.AddItem(ctx, "p1", 1) },
		func() (models.Cart, error) { return f.cart.UpdateQuantity(ctx, "p2", 4) },
		func() (models.Cart, error) { return f.cart.RemoveItem(ctx, "p1") },
	}
	for i, step := range steps {
		c, err := step()
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, sumQuantities(c), c.ItemCount, "step %d", i)
		assert.Equal(t, c, f.cart.Snapshot())
	}

	c := f.cart.Snapshot()
	require.Len(t, c.Lines, 1)
	assert.Equal(t, "p2", c.Lines[0].ProductID)
	assert.Equal(t, 4, c.ItemCount)
	assert.True(t, c.Total.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, StatusIdle, f.cart.Status())
}

func TestRepeatedAddIncrementsLine(t *testing.T) {
	f := newFixture(t)
	f.login(t, "ama@example.com")

	_, err := f.cart.AddItem(context.Background(), "p1", 1)
	require.NoError(t, err)
	c, err := f.cart.AddItem(context.Background(), "p1", 2)
	require.NoError(t, err)

	require.Len(t, c.Lines, 1)
	assert.Equal(t, 3, c.Lines[0].Quantity)
}

func TestUpdateQuantityBelowOneIsNoop(t *testing.T) {
	f := newFixture(t)
	f.login(t, "ama@example.com")
	before, err := f.cart.AddItem(context.Background(), "p1", 2)
	require.NoError(t, err)

	for _, q := range []int{0, -1} {
		c, err := f.cart.UpdateQuantity(context.Background(), "p1", q)
		require.Error(t, err)
		assert.Equal(t, apiclient.KindValidation, apiclient.KindOf(err))
		assert.Equal(t, "Quantity must be at least 1.", apiclient.UserMessage(err))
		assert.Equal(t, before, c)
		assert.Equal(t, notify.LevelError, f.notes.last().Level)
	}
	assert.Equal(t, before, f.cart.Snapshot())
	assert.Zero(t, f.srv.Count("PATCH /cart/:lineId"))
}

func TestUpdateUnknownLine(t *testing.T) {
	f := newFixture(t)
	f.login(t, "ama@example.com")

	_, err := f.cart.UpdateQuantity(context.Background(), "p9", 1)
	assert.Equal(t, apiclient.KindNotFound, apiclient.KindOf(err))
	assert.Zero(t, f.srv.Count("PATCH /cart/:lineId"))
}

func TestFailedMutationKeepsCart(t *testing.T) {
	f := newFixture(t)
	f.login(t, "ama@example.com")
	before, err := f.cart.AddItem(context.Background(), "p1", 1)
	require.NoError(t, err)

	f.srv.FailNext("POST /cart", http.StatusInternalServerError, "db exploded")
	c, err := f.cart.AddItem(context.Background(), "p2", 1)
	require.Error(t, err)
	assert.Equal(t, apiclient.KindServer, apiclient.KindOf(err))
	assert.NotContains(t, apiclient.UserMessage(err), "db exploded")
	assert.Equal(t, before, c)
	assert.Equal(t, before, f.cart.Snapshot())
	assert.Equal(t, err, f.cart.LastError())
	assert.Equal(t, 2, f.srv.Count("POST /cart"), "no automatic retry")

	_, err = f.cart.AddItem(context.Background(), "p5", 1)
	assert.Equal(t, apiclient.KindValidation, apiclient.KindOf(err))
	assert.Equal(t, "Cocoa Powder is out of stock", apiclient.UserMessage(err))
}

func TestCoupon(t *testing.T) {
	f := newFixture(t)
	f.login(t, "ama@example.com")
	ctx := context.Background()

	_, err := f.cart.ApplyCoupon(ctx, "SAVE10")
	assert.Equal(t, apiclient.KindConflict, apiclient.KindOf(err), "empty cart is caught client-side")
	assert.Zero(t, f.srv.Count("PUT /coupon"))

	_, err = f.cart.AddItem(ctx, "p1", 2)
	require.NoError(t, err)
	before, err := f.cart.AddItem(ctx, "p2", 1)
	require.NoError(t, err)

	c, err := f.cart.ApplyCoupon(ctx, "SAVE10")
	require.NoError(t, err)
	require.NotNil(t, c.Coupon)
	assert.True(t, c.Discount.Equal(decimal.NewFromInt(2)))
	assert.True(t, c.Total.Equal(before.Total.Sub(c.Discount)))

	_, err = f.cart.ApplyCoupon(ctx, "BOGUS")
	assert.Equal(t, apiclient.KindValidation, apiclient.KindOf(err))
	assert.Equal(t, "Invalid coupon code", apiclient.UserMessage(err))
	assert.Equal(t, c, f.cart.Snapshot())

	c, err = f.cart.RemoveCoupon(ctx)
	require.NoError(t, err)
	assert.Nil(t, c.Coupon)
	assert.True(t, c.Total.Equal(c.Subtotal))
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	f.login(t, "ama@example.com")
	_, err := f.cart.AddItem(context.Background(), "p1", 2)
	require.NoError(t, err)

	c, err := f.cart.Clear(context.Background())
	require.NoError(t, err)
	assert.True(t, c.Empty())
	assert.Zero(t, c.ItemCount)
	assert.True(t, c.Total.IsZero())
}

func TestMutationsAreSerialized(t *testing.T) {
	f := newFixture(t)
	f.login(t, "ama@example.com")
	ctx := context.Background()

	release := f.srv.Delay("POST /cart")
	first := make(chan error, 1)
	go func() {
		_, err := f.cart.AddItem(ctx, "p1", 1)
		first <- err
	}()
	require.Eventually(t, func() bool { return f.srv.Count("POST /cart") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusMutating, f.cart.Status())

	second := make(chan error, 1)
	go func() {
		// builds against the cart the first request returns
		_, err := f.cart.UpdateQuantity(ctx, "p1", 5)
		second <- err
	}()
	assert.Never(t, func() bool { return f.srv.Count("PATCH /cart/:lineId") > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	release()
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	c := f.cart.Snapshot()
	require.Len(t, c.Lines, 1)
	assert.Equal(t, 5, c.Lines[0].Quantity)
	assert.Equal(t, 5, c.ItemCount)
}

func TestQueuedMutationHonoursContext(t *testing.T) {
	f := newFixture(t)
	f.login(t, "ama@example.com")

	release := f.srv.Delay("POST /cart")
	defer release()
	go func() { _, _ = f.cart.AddItem(context.Background(), "p1", 1) }()
	require.Eventually(t, func() bool { return f.srv.Count("POST /cart") == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := f.cart.AddItem(ctx, "p2", 1)
	assert.Equal(t, apiclient.KindNetwork, apiclient.KindOf(err))
	assert.Equal(t, 1, f.srv.Count("POST /cart"), "queued request never sent")
}

func TestSessionChangeDiscardsInFlightResponse(t *testing.T) {
	f := newFixture(t)
	f.auth.Subscribe(f.cart.Track(context.Background()))
	f.login(t, "ama@example.com")

	release := f.srv.Delay("POST /cart")
	done := make(chan error, 1)
	go func() {
		_, err := f.cart.AddItem(context.Background(), "p1", 1)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.srv.Count("POST /cart") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.auth.Logout(context.Background()))
	release()

	err := <-done
	assert.Equal(t, apiclient.KindConflict, apiclient.KindOf(err))
	assert.True(t, f.cart.Snapshot().Empty(), "late response for the old session is dropped")
}

func TestTrackFetchesCartOnLogin(t *testing.T) {
	f := newFixture(t)
	f.login(t, "ama@example.com")
	_, err := f.cart.AddItem(context.Background(), "p3", 2)
	require.NoError(t, err)
	require.NoError(t, f.auth.Logout(context.Background()))
	f.cart.Reset()

	var mu sync.Mutex
	var seen []models.Cart
	f.cart.Subscribe(func(c models.Cart) {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
	})
	f.auth.Subscribe(f.cart.Track(context.Background()))

	_, err = f.auth.Login(context.Background(), "ama@example.com", "secret1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.cart.Snapshot().ItemCount == 2 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, seen)
}

func TestQueuedMutationDroppedOnSessionChange(t *testing.T) {
	f := newFixture(t)
	f.auth.Subscribe(f.cart.Track(context.Background()))
	f.login(t, "ama@example.com")
	ctx := context.Background()

	release := f.srv.Delay("POST /cart")
	defer release()
	first := make(chan error, 1)
	go func() {
		_, err := f.cart.AddItem(ctx, "p1", 1)
		first <- err
	}()
	require.Eventually(t, func() bool { return f.srv.Count("POST /cart") == 1 }, time.Second, 5*time.Millisecond)

	queued := make(chan error, 1)
	go func() {
		_, err := f.cart.AddItem(ctx, "p2", 3)
		queued <- err
	}()
	assert.Never(t, func() bool { return f.srv.Count("POST /cart") > 1 }, 50*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, f.auth.Logout(ctx))
	f.login(t, "kofi@example.com")
	release()

	assert.Equal(t, apiclient.KindConflict, apiclient.KindOf(<-first))
	err := <-queued
	assert.Equal(t, apiclient.KindConflict, apiclient.KindOf(err))
	assert.Equal(t, "Your session changed before the cart could be updated.", apiclient.UserMessage(err))
	assert.Equal(t, 1, f.srv.Count("POST /cart"), "queued request never sent")

	c, err := f.cart.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, c.Empty(), "new user's cart untouched")
}
