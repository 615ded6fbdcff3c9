package payment

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/wingerapp/winger-backend/internal/pkg/env"
)

// Product is one purchasable item. Subscription products carry the billing
// period used as the renewal-validity fallback when a provider omits an
// explicit expiry.
type Product struct {
	ID           string        `json:"id"`
	Price        float64       `json:"price"`
	Credits      int           `json:"credits,omitempty"`
	Subscription bool          `json:"subscription,omitempty"`
	Period       time.Duration `json:"-"`
	PeriodDays   int           `json:"period_days,omitempty"`
}

// Catalog is the product catalog, resolved once at startup.
type Catalog struct {
	products map[string]Product
}

const ProductUnlimitedMonthly = "unlimited_monthly_subscription"

func defaultProducts() []Product {
	return []Product{
		{ID: "credit_5", Price: 5.00, Credits: 5},
		{ID: "credit_15", Price: 10.00, Credits: 15},
		{ID: ProductUnlimitedMonthly, Price: 12.00, Subscription: true, PeriodDays: 30},
	}
}

// NewCatalog builds a catalog from the given products.
func NewCatalog(products []Product) *Catalog {
	m := make(map[string]Product, len(products))
	for _, p := range products {
		if p.Subscription && p.PeriodDays == 0 {
			p.PeriodDays = 30
		}
		p.Period = time.Duration(p.PeriodDays) * 24 * time.Hour
		m[p.ID] = p
	}
	return &Catalog{products: m}
}

// LoadCatalog reads the pricing file named by PRICING_CONFIG, falling back
// to the built-in defaults when the file is absent or malformed.
func LoadCatalog() *Catalog {
	path := env.GetEnv("PRICING_CONFIG", "")
	if path == "" {
		return NewCatalog(defaultProducts())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("pricing config %s unreadable, using defaults: %v", path, err)
		return NewCatalog(defaultProducts())
	}

	var products []Product
	if err := json.Unmarshal(data, &products); err != nil {
		log.Warnf("pricing config %s malformed, using defaults: %v", path, err)
		return NewCatalog(defaultProducts())
	}
	return NewCatalog(products)
}

var (
	catalogOnce sync.Once
	catalog     *Catalog
)

// DefaultCatalog returns the process-wide catalog, loading it on first use.
func DefaultCatalog() *Catalog {
	catalogOnce.Do(func() {
		catalog = LoadCatalog()
	})
	return catalog
}

// Lookup returns the product by id.
func (c *Catalog) Lookup(productID string) (Product, bool) {
	p, ok := c.products[productID]
	return p, ok
}

// PriceFor returns the catalog price for a product, zero when unknown.
func (c *Catalog) PriceFor(productID string) float64 {
	return c.products[productID].Price
}

// CreditsFor returns how many credits a product grants, zero for
// subscriptions and unknown products.
func (c *Catalog) CreditsFor(productID string) int {
	return c.products[productID].Credits
}

// IsSubscription reports whether the product is a recurring subscription.
func (c *Catalog) IsSubscription(productID string) bool {
	return c.products[productID].Subscription
}

// PeriodFor returns the billing period of a subscription product, used when
// the provider reports no explicit expiry.
func (c *Catalog) PeriodFor(productID string) (time.Duration, error) {
	p, ok := c.products[productID]
	if !ok || !p.Subscription {
		return 0, fmt.Errorf("product %s has no billing period", productID)
	}
	return p.Period, nil
}

// Products returns all catalog entries for the pricing endpoint.
func (c *Catalog) Products() []Product {
	out := make([]Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	return out
}
