package catalog

import (
	"context"
	"fmt"

	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
)

type ProductLister interface {
	ListActiveProducts(ctx context.Context) ([]models.Product, error)
}

// Resolver maps a purchased line item to an internal product id.
// The id embedded at checkout-creation time always wins; the
// normalized-name matcher only runs for items without one (legacy
// imports, manually created payment links).
type Resolver struct {
	Catalog ProductLister
	Cache   *Cache
	Logger  *logger.Logger
}

func NewResolver(catalog ProductLister, cache *Cache, log *logger.Logger) *Resolver {
	return &Resolver{Catalog: catalog, Cache: cache, Logger: log}
}

// Resolve returns the product id for the item, or nil when no catalog
// product matches. An unresolved item is a recorded state, not an
// error.
func (r *Resolver) Resolve(ctx context.Context, item models.PurchasedItem) (*string, error) {
	if item.ProductID != "" {
		id := item.ProductID
		return &id, nil
	}

	products, err := r.products(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog for name matching: %w", err)
	}

	want := NormalizeName(item.DisplayName)
	if want == "" {
		return nil, nil
	}

	// Tier 1: exact normalized match.
	for _, p := range products {
		if NormalizeName(p.Name) == want {
			id := p.ID
			return &id, nil
		}
	}

	// Tier 2: containment in either direction.
	for _, p := range products {
		if MatchName(NormalizeName(p.Name), want) {
			id := p.ID
			r.Logger.Warn("CATALOG", fmt.Sprintf("containment match for %q -> product %s (%q)", item.DisplayName, p.ID, p.Name))
			return &id, nil
		}
	}

	r.Logger.Warn("CATALOG", fmt.Sprintf("no catalog match for line item %q", item.DisplayName))
	return nil, nil
}

func (r *Resolver) products(ctx context.Context) ([]models.Product, error) {
	if products, ok := r.Cache.GetProducts(ctx); ok {
		return products, nil
	}

	products, err := r.Catalog.ListActiveProducts(ctx)
	if err != nil {
		return nil, err
	}
	r.Cache.SetProducts(ctx, products)
	return products, nil
}
