package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"storefront/apiclient"
	"storefront/auth"
	"storefront/models"
	"storefront/products"
	"storefront/receipt"
)

type usageError string

func (e usageError) Error() string { return "usage: " + string(e) }

func message(err error) string {
	var u usageError
	if errors.As(err, &u) {
		return u.Error()
	}
	var apiErr *apiclient.Error
	if errors.As(err, &apiErr) {
		return apiclient.UserMessage(err)
	}
	return err.Error()
}

func commands() map[string]command {
	cmds := map[string]command{
		"help":       {"help", "list commands", cmdHelp},
		"quit":       {"quit", "leave the shell", cmdQuit},
		"login":      {"login <email> <password>", "sign in", cmdLogin},
		"signup":     {"signup <first> <last> <email> <password> [phone]", "create an account", cmdSignup},
		"logout":     {"logout", "sign out", cmdLogout},
		"whoami":     {"whoami", "show the current session", cmdWhoami},
		"forgot":     {"forgot <email>", "request a password reset", cmdForgot},
		"reset":      {"reset <token> <password>", "set a new password with a reset token", cmdReset},
		"passwd":     {"passwd <current> <new>", "change your password", cmdPasswd},
		"products":   {"products [category=..] [page=N] [limit=N] [words]", "browse the catalog", cmdProducts},
		"product":    {"product <id>", "show one product", cmdProduct},
		"categories": {"categories", "list categories", cmdCategories},
		"cart":       {"cart", "show your cart", cmdCart},
		"add":        {"add <product> [qty]", "add to your cart", cmdAdd},
		"qty":        {"qty <product> <qty>", "change a quantity", cmdQty},
		"rm":         {"rm <product>", "remove from your cart", cmdRemove},
		"coupon":     {"coupon <code>", "apply a coupon", cmdCoupon},
		"uncoupon":   {"uncoupon", "remove the coupon", cmdUncoupon},
		"clear":      {"clear", "empty your cart", cmdClear},
		"checkout":   {"checkout name=.. phone=.. street=.. city=.. region=.. country=.. pay=cod|momo", "place an order", cmdCheckout},
		"orders":     {"orders [refresh]", "list your orders", cmdOrders},
		"order":      {"order <id>", "show one order with its latest status", cmdOrder},
		"receipt":    {"receipt <id> [file]", "save a PDF receipt", cmdReceipt},
	}
	cmds["exit"] = cmds["quit"]
	return cmds
}

func cmdHelp(s *Shell, _ context.Context, _ []string) error {
	s.help()
	return nil
}

func cmdQuit(*Shell, context.Context, []string) error {
	return errQuit
}

func cmdLogin(s *Shell, ctx context.Context, args []string) error {
	if len(args) != 2 {
		return usageError("login <email> <password>")
	}
	sess, err := s.app.Auth.Login(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	s.printf("Logged in as %s.\n", sess.User.FullName())
	return nil
}

func cmdSignup(s *Shell, ctx context.Context, args []string) error {
	if len(args) < 4 || len(args) > 5 {
		return usageError("signup <first> <last> <email> <password> [phone]")
	}
	p := models.Profile{FirstName: args[0], LastName: args[1], Email: args[2], Password: args[3]}
	if len(args) == 5 {
		p.Phone = args[4]
	}
	sess, err := s.app.Auth.Signup(ctx, p)
	if err != nil {
		return err
	}
	s.printf("Welcome, %s.\n", sess.User.FirstName)
	return nil
}

func cmdLogout(s *Shell, ctx context.Context, _ []string) error {
	if err := s.app.Auth.Logout(ctx); err != nil {
		return err
	}
	s.printf("Logged out.\n")
	return nil
}

func cmdWhoami(s *Shell, _ context.Context, _ []string) error {
	sess := s.app.Auth.Session()
	if !sess.Authenticated() {
		s.printf("Not logged in (%s).\n", sess.Status)
		return nil
	}
	u := sess.User
	s.printf("%s <%s> role=%s\n", u.FullName(), u.Email, u.Role)
	return nil
}

func cmdForgot(s *Shell, ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageError("forgot <email>")
	}
	msg, err := s.app.Auth.ForgotPassword(ctx, args[0])
	if err != nil {
		return err
	}
	s.printf("%s\n", msg)
	return nil
}

func cmdReset(s *Shell, ctx context.Context, args []string) error {
	if len(args) != 2 {
		return usageError("reset <token> <password>")
	}
	sess, err := s.app.Auth.ResetPassword(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if sess.Authenticated() {
		s.printf("Password reset. Logged in as %s.\n", sess.User.FullName())
		return nil
	}
	s.printf("Password reset. You can log in now.\n")
	return nil
}

func cmdPasswd(s *Shell, ctx context.Context, args []string) error {
	if len(args) != 2 {
		return usageError("passwd <current> <new>")
	}
	if err := s.app.Auth.UpdatePassword(ctx, args[0], args[1]); err != nil {
		return err
	}
	s.printf("Password changed.\n")
	return nil
}

func cmdProducts(s *Shell, ctx context.Context, args []string) error {
	kv, words := keyValues(args)
	q := products.Query{Category: kv["category"], Search: strings.Join(words, " ")}
	if v, ok := kv["search"]; ok {
		q.Search = v
	}
	var err error
	if q.Page, err = optionalInt(kv, "page"); err != nil {
		return err
	}
	if q.Limit, err = optionalInt(kv, "limit"); err != nil {
		return err
	}

	list, err := s.app.Catalog.List(ctx, q)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		s.printf("No products found.\n")
		return nil
	}
	s.locked(func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tPRICE\tSTOCK")
		for _, p := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Category, p.Price.StringFixed(2), stockLabel(p))
		}
		tw.Flush()
	})
	return nil
}

func cmdProduct(s *Shell, ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageError("product <id>")
	}
	p, err := s.app.Catalog.Get(ctx, args[0])
	if err != nil {
		return err
	}
	s.printf("%s (%s)\n  %s\n  price %s, %s\n", p.Name, p.ID, p.Description, p.Price.StringFixed(2), stockLabel(p))
	return nil
}

func cmdCategories(s *Shell, ctx context.Context, _ []string) error {
	cats, err := s.app.Catalog.Categories(ctx)
	if err != nil {
		return err
	}
	for _, c := range cats {
		s.printf("  %-16s %s\n", c.Slug, c.Name)
	}
	return nil
}

func cmdCart(s *Shell, ctx context.Context, _ []string) error {
	c, err := s.app.Cart.Refresh(ctx)
	if err != nil {
		return err
	}
	s.printCart(c)
	return nil
}

func cmdAdd(s *Shell, ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usageError("add <product> [qty]")
	}
	qty := 1
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return usageError("add <product> [qty]")
		}
		qty = n
	}
	return s.showCart(s.app.Cart.AddItem(ctx, args[0], qty))
}

func cmdQty(s *Shell, ctx context.Context, args []string) error {
	if len(args) != 2 {
		return usageError("qty <product> <qty>")
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return usageError("qty <product> <qty>")
	}
	return s.showCart(s.app.Cart.UpdateQuantity(ctx, args[0], n))
}

func cmdRemove(s *Shell, ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageError("rm <product>")
	}
	return s.showCart(s.app.Cart.RemoveItem(ctx, args[0]))
}

func cmdCoupon(s *Shell, ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageError("coupon <code>")
	}
	return s.showCart(s.app.Cart.ApplyCoupon(ctx, args[0]))
}

func cmdUncoupon(s *Shell, ctx context.Context, _ []string) error {
	return s.showCart(s.app.Cart.RemoveCoupon(ctx))
}

func cmdClear(s *Shell, ctx context.Context, _ []string) error {
	return s.showCart(s.app.Cart.Clear(ctx))
}

func cmdCheckout(s *Shell, ctx context.Context, args []string) error {
	if !s.app.Auth.Session().Authenticated() {
		s.printf("Please log in first (%s).\n", auth.LoginPath("/checkout"))
		return nil
	}
	kv, _ := keyValues(args)
	addr := models.ShippingAddress{
		FullName:   kv["name"],
		Phone:      kv["phone"],
		Email:      kv["email"],
		Street:     kv["street"],
		City:       kv["city"],
		Region:     kv["region"],
		PostalCode: kv["postal"],
		Country:    kv["country"],
		Notes:      kv["notes"],
	}
	if addr.FullName == "" {
		if u := s.app.Auth.Session().User; u != nil {
			addr.FullName = u.FullName()
		}
	}
	method, ok := models.ParsePaymentMethod(kv["pay"])
	if !ok {
		method = models.PaymentMethod(kv["pay"])
	}

	o, err := s.app.Orders.PlaceOrder(ctx, addr, method)
	if err != nil {
		return err
	}
	s.printf("Order %s placed: %d item(s), total %s.\n", o.ID, o.ItemCount(), o.Total.StringFixed(2))
	return nil
}

func cmdOrders(s *Shell, ctx context.Context, args []string) error {
	var (
		list []models.Order
		err  error
	)
	if len(args) > 0 && args[0] == "refresh" {
		list, err = s.app.Orders.RefreshOrders(ctx)
	} else {
		list, err = s.app.Orders.FetchUserOrders(ctx)
	}
	if err != nil {
		return err
	}
	if len(list) == 0 {
		s.printf("No orders yet.\n")
		return nil
	}
	s.locked(func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ORDER\tPLACED\tITEMS\tTOTAL\tSTATUS")
		for _, o := range list {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", o.ID, o.CreatedAt.Format("2006-01-02 15:04"), o.ItemCount(), o.Total.StringFixed(2), o.Status)
		}
		tw.Flush()
	})
	return nil
}

func cmdOrder(s *Shell, ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageError("order <id>")
	}
	o, err := s.app.Orders.GetOrder(ctx, args[0])
	if err != nil {
		return err
	}
	s.locked(func(w io.Writer) {
		fmt.Fprintf(w, "Order %s, %s, placed %s\n", o.ID, o.Status, o.CreatedAt.Format("2006-01-02 15:04"))
		for _, it := range o.Items {
			fmt.Fprintf(w, "  %-24s x%-3d %8s\n", it.Name, it.Quantity, it.LineTotal().StringFixed(2))
		}
		fmt.Fprintf(w, "  total %s\n", o.Total.StringFixed(2))
	})
	return nil
}

func cmdReceipt(s *Shell, ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usageError("receipt <id> [file]")
	}
	o, err := s.app.Orders.GetOrder(ctx, args[0])
	if err != nil {
		return err
	}
	path := receipt.Filename(o)
	if len(args) == 2 {
		path = args[1]
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := receipt.Render(f, o); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.printf("Receipt saved to %s.\n", path)
	return nil
}

func (s *Shell) showCart(c models.Cart, err error) error {
	if err != nil {
		return err
	}
	s.printCart(c)
	return nil
}

func (s *Shell) printCart(c models.Cart) {
	if c.Empty() {
		s.printf("Your cart is empty.\n")
		return
	}
	s.locked(func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PRODUCT\tNAME\tQTY\tPRICE\tLINE")
		for _, l := range c.Lines {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", l.ProductID, l.Product.Name, l.Quantity, l.PriceAtAddition.StringFixed(2), l.LineTotal().StringFixed(2))
		}
		tw.Flush()
		fmt.Fprintf(w, "items %d  subtotal %s", c.ItemCount, c.Subtotal.StringFixed(2))
		if c.Coupon != nil {
			fmt.Fprintf(w, "  coupon %s -%s", c.Coupon.Code, c.Discount.StringFixed(2))
		}
		fmt.Fprintf(w, "  total %s\n", c.Total.StringFixed(2))
	})
}

func stockLabel(p models.Product) string {
	if !p.InStock() {
		return "out of stock"
	}
	return strconv.Itoa(p.Stock) + " left"
}

func optionalInt(kv map[string]string, key string) (int, error) {
	v, ok := kv[key]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive number", key)
	}
	return n, nil
}
