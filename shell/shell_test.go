package shell

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/app"
	"storefront/config"
	"storefront/fakeapi"
	"storefront/models"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newShell(t *testing.T) (*Shell, *bytes.Buffer, *fakeapi.Server) {
	t.Helper()
	srv := fakeapi.New(fakeapi.WithLogger(quiet))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	_, err := srv.AddUser(models.Profile{FirstName: "Ama", LastName: "Mensah", Email: "ama@example.com", Password: "secret1"}, models.RoleUser)
	require.NoError(t, err)

	a, err := app.New(context.Background(), config.Config{
		APIURL:     ts.URL,
		APITimeout: 2 * time.Second,
		TokenStore: config.TokenStoreMemory,
	}, app.WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	a.Start(context.Background())

	out := &bytes.Buffer{}
	s := New(a, WithPrompt(""))
	s.out = out
	return s, out, srv
}

// exec runs line and returns what it printed.
func exec(t *testing.T, s *Shell, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	require.NoError(t, s.Exec(context.Background(), line))
	return out.String()
}

func TestSplit(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{"", nil},
		{"  cart  ", []string{"cart"}},
		{"add p1 2", []string{"add", "p1", "2"}},
		{`checkout street="12 Ring Road" city=Accra`, []string{"checkout", "street=12 Ring Road", "city=Accra"}},
		{`coupon ""`, []string{"coupon", ""}},
	}
	for _, tt := range tests {
		got, err := split(tt.line)
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}

	_, err := split(`login "ama`)
	assert.Error(t, err)
}

func TestShoppingSession(t *testing.T) {
	s, out, srv := newShell(t)

	assert.Contains(t, exec(t, s, out, "whoami"), "Not logged in (anonymous)")
	assert.Contains(t, exec(t, s, out, "add p1"), "Please log in to use your cart.")
	assert.Contains(t, exec(t, s, out, "checkout"), "/login?redirect=%2Fcheckout")

	assert.Contains(t, exec(t, s, out, "login ama@example.com secret1"), "Logged in as Ama Mensah.")
	assert.Contains(t, exec(t, s, out, "whoami"), "Ama Mensah <ama@example.com> role=user")

	got := exec(t, s, out, "add p1 2")
	assert.Contains(t, got, "Ceramic Mug")
	assert.Contains(t, got, "items 2  subtotal 10.00")

	exec(t, s, out, "add p2")
	assert.Contains(t, exec(t, s, out, "qty p1 0"), "Quantity must be at least 1.")
	assert.Contains(t, exec(t, s, out, "qty p1 abc"), "usage: qty <product> <qty>")

	got = exec(t, s, out, "coupon save10")
	assert.Contains(t, got, "coupon SAVE10 -2.00")
	assert.Contains(t, got, "total 18.00")
	assert.Contains(t, exec(t, s, out, "uncoupon"), "total 20.00")

	assert.Contains(t, exec(t, s, out, "checkout city=Accra pay=cod"), "Please complete your shipping address: phone, street, region, country.")
	got = exec(t, s, out, `checkout phone=020 street="12 Ring Road" city=Accra region="Greater Accra" country=Ghana pay=momo`)
	assert.Contains(t, got, "placed: 3 item(s), total 20.00.")
	assert.Equal(t, 1, srv.Count("POST /orders"))
	assert.Contains(t, exec(t, s, out, "cart"), "Your cart is empty.")

	got = exec(t, s, out, "orders")
	assert.Contains(t, got, "pending")
	orderID := s.app.Orders.Orders()[0].ID

	srv.SetOrderStatus(orderID, models.OrderShipped)
	assert.Contains(t, exec(t, s, out, "order "+orderID), "shipped")

	path := filepath.Join(t.TempDir(), "r.pdf")
	assert.Contains(t, exec(t, s, out, "receipt "+orderID+" "+path), "Receipt saved")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))

	assert.Contains(t, exec(t, s, out, "logout"), "Logged out.")
	assert.Contains(t, exec(t, s, out, "orders"), "Please log in to see your orders.")
}

func TestCatalogCommands(t *testing.T) {
	s, out, _ := newShell(t)

	got := exec(t, s, out, "products category=pantry")
	assert.Contains(t, got, "Shea Butter")
	assert.Contains(t, got, "out of stock")
	assert.NotContains(t, got, "Ceramic Mug")

	assert.Contains(t, exec(t, s, out, "products iron"), "Cast Iron Pan")
	assert.Contains(t, exec(t, s, out, "products page=x"), "page must be a positive number")
	assert.Contains(t, exec(t, s, out, "products bicycle"), "No products found.")
	assert.Contains(t, exec(t, s, out, "product p3"), "price 12.50, 8 left")
	assert.Contains(t, exec(t, s, out, "product nope"), "error: Product not found")
	assert.Contains(t, exec(t, s, out, "categories"), "home-garden")
}

func TestAccountCommands(t *testing.T) {
	s, out, srv := newShell(t)

	assert.Contains(t, exec(t, s, out, "signup Kofi Boateng kofi@example.com pass123"), "Welcome, Kofi.")
	assert.Contains(t, exec(t, s, out, "passwd pass123 pass456"), "Password changed.")
	exec(t, s, out, "logout")
	assert.Contains(t, exec(t, s, out, "login kofi@example.com pass123"), "error:")
	assert.Contains(t, exec(t, s, out, "login kofi@example.com pass456"), "Logged in as Kofi Boateng.")
	exec(t, s, out, "logout")

	assert.NotContains(t, exec(t, s, out, "forgot ama@example.com"), "error")
	token := srv.ResetToken("ama@example.com")
	require.NotEmpty(t, token)
	assert.Contains(t, exec(t, s, out, "reset "+token+" newpass1"), "Password reset.")
}

func TestUnknownAndHelp(t *testing.T) {
	s, out, _ := newShell(t)

	assert.Contains(t, exec(t, s, out, "frobnicate"), `unknown command "frobnicate"`)
	got := exec(t, s, out, "help")
	for _, name := range []string{"login", "checkout", "receipt", "uncoupon"} {
		assert.Contains(t, got, name)
	}
	assert.ErrorIs(t, s.Exec(context.Background(), "quit"), errQuit)
}

func TestRun(t *testing.T) {
	s, _, _ := newShell(t)

	var out bytes.Buffer
	in := strings.NewReader("login ama@example.com secret1\nadd p4 3\nquit\nadd p4 1\n")
	require.NoError(t, s.Run(context.Background(), in, &out))

	assert.Contains(t, out.String(), "items 3")
	assert.NotContains(t, out.String(), "items 4", "nothing runs after quit")
}
