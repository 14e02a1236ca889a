// Package products reads the catalog. Identical reads issued at the same time
// share one request.
package products

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"storefront/apiclient"
	"storefront/models"
)

// Query narrows a product listing. Zero values leave the server defaults.
type Query struct {
	Category string
	Search   string
	Page     int
	Limit    int
}

func (q Query) values() url.Values {
	v := url.Values{}
	if c := strings.TrimSpace(q.Category); c != "" {
		v.Set("category", c)
	}
	if s := strings.TrimSpace(q.Search); s != "" {
		v.Set("search", s)
	}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

type Catalog struct {
	client *apiclient.Client
	logger *slog.Logger
	group  singleflight.Group
}

type Option func(*Catalog)

func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) { c.logger = l }
}

func New(client *apiclient.Client, opts ...Option) *Catalog {
	c := &Catalog{client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Catalog) List(ctx context.Context, q Query) ([]models.Product, error) {
	values := q.values()
	v, err, shared := c.group.Do("list?"+values.Encode(), func() (any, error) {
		env, err := c.client.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: "/products", Query: values, Op: "products.list"})
		if err != nil {
			return nil, err
		}
		return apiclient.DecodeProducts(env)
	})
	if err != nil {
		c.logger.Warn("product listing failed", "query", values.Encode(), "err", err)
		return nil, err
	}
	if shared {
		c.logger.Debug("product listing shared", "query", values.Encode())
	}
	list := v.([]models.Product)
	return append([]models.Product(nil), list...), nil
}

func (c *Catalog) Get(ctx context.Context, id string) (models.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.Product{}, apiclient.NewError(apiclient.KindValidation, "products.get", "Enter a product id.")
	}
	v, err, _ := c.group.Do("get/"+id, func() (any, error) {
		env, err := c.client.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: "/products/" + url.PathEscape(id), Op: "products.get"})
		if err != nil {
			return nil, err
		}
		return apiclient.DecodeProduct(env)
	})
	if err != nil {
		c.logger.Warn("product lookup failed", "product", id, "err", err)
		return models.Product{}, err
	}
	return v.(models.Product), nil
}

func (c *Catalog) Categories(ctx context.Context) ([]models.Category, error) {
	v, err, _ := c.group.Do("categories", func() (any, error) {
		env, err := c.client.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: "/categories", Op: "products.categories"})
		if err != nil {
			return nil, err
		}
		return apiclient.DecodeCategories(env)
	})
	if err != nil {
		c.logger.Warn("category listing failed", "err", err)
		return nil, err
	}
	return append([]models.Category(nil), v.([]models.Category)...), nil
}
