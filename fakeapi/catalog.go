package fakeapi

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/shopspring/decimal"

	"storefront/models"
	"storefront/utils"
)

func newID() string {
	return uuid.New().String()
}

func (s *Server) seed() {
	s.categories = []models.Category{
		{ID: "c1", Name: "Kitchen", Slug: "kitchen"},
		{ID: "c2", Name: "Home & Garden", Slug: "home-garden"},
		{ID: "c3", Name: "Pantry", Slug: "pantry"},
	}
	for _, p := range []models.Product{
		{ID: "p1", Name: "Ceramic Mug", Category: "kitchen", Price: decimal.NewFromInt(5), Stock: 50, Image: "/img/mug.jpg", Description: "Stoneware mug, 350ml."},
		{ID: "p2", Name: "Cast Iron Pan", Category: "kitchen", Price: decimal.NewFromInt(10), Stock: 20, Image: "/img/pan.jpg", Description: "Pre-seasoned 26cm skillet."},
		{ID: "p3", Name: "Watering Can", Category: "home-garden", Price: decimal.RequireFromString("12.50"), Stock: 8, Image: "/img/can.jpg"},
		{ID: "p4", Name: "Shea Butter", Category: "pantry", Price: decimal.RequireFromString("3.75"), Stock: 100},
		{ID: "p5", Name: "Cocoa Powder", Category: "pantry", Price: decimal.RequireFromString("4.20"), Stock: 0},
		{ID: "p6", Name: "Linen Apron", Category: "kitchen", Price: decimal.NewFromInt(18), Stock: 3},
	} {
		p := p
		s.products[p.ID] = &p
		s.productIDs = append(s.productIDs, p.ID)
	}
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := utils.ParseQueryOptions(r)

	s.mu.Lock()
	var matched []models.Product
	for _, id := range s.productIDs {
		p := s.products[id]
		if q.Category != "" && !strings.EqualFold(p.Category, q.Category) {
			continue
		}
		if q.Search != "" && !utils.ContainsIgnoreCase(p.Name, q.Search) && !utils.ContainsIgnoreCase(p.Description, q.Search) {
			continue
		}
		matched = append(matched, *p)
	}
	s.mu.Unlock()

	total := len(matched)
	start := min(q.Offset(), total)
	end := min(start+q.Limit, total)
	page := matched[start:end]
	if page == nil {
		page = []models.Product{}
	}
	utils.SendResponse(w, http.StatusOK, utils.M{
		"products": page,
		"page":     q.Page,
		"limit":    q.Limit,
		"total":    total,
	}, "")
}

func (s *Server) getProduct(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	s.mu.Lock()
	p, ok := s.products[ps.ByName("id")]
	var out models.Product
	if ok {
		out = *p
	}
	s.mu.Unlock()

	if !ok {
		utils.RespondWithError(w, http.StatusNotFound, "Product not found")
		return
	}
	utils.SendResponse(w, http.StatusOK, utils.M{"product": out}, "")
}

func (s *Server) listCategories(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	out := append([]models.Category(nil), s.categories...)
	s.mu.Unlock()
	utils.SendResponse(w, http.StatusOK, out, "")
}
