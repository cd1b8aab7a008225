package billing

import "strings"

const defaultCurrency = "usd"

// Package is one sellable tier of the product.
type Package struct {
	ID          string `json:"id"`
	Tier        int    `json:"tier"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// Catalog is the ordered package-tier table (basic < training < full).
// Tier ranks come from configuration; prices are fixed per package.
type Catalog struct {
	packages map[string]Package
}

var defaultPrices = map[string]int64{
	"basic":    29900,
	"training": 49900,
	"full":     99900,
}

// NewCatalog builds a catalog from a package-id -> tier-rank table.
func NewCatalog(tiers map[string]int) Catalog {
	packages := make(map[string]Package, len(tiers))
	for id, tier := range tiers {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" || tier <= 0 {
			continue
		}
		price, ok := defaultPrices[id]
		if !ok {
			price = int64(tier) * 25000
		}
		packages[id] = Package{ID: id, Tier: tier, AmountCents: price, Currency: defaultCurrency}
	}
	return Catalog{packages: packages}
}

// Package looks up a sellable package by id.
func (c Catalog) Package(id string) (Package, bool) {
	p, ok := c.packages[strings.ToLower(strings.TrimSpace(id))]
	return p, ok
}

// Satisfies reports whether the purchase set grants the tier required by
// requiredPackageID: any succeeded purchase whose package tier is at least
// the required tier qualifies. Pure function, no side effects.
func (c Catalog) Satisfies(purchases []*Purchase, requiredPackageID string) bool {
	required, ok := c.Package(requiredPackageID)
	if !ok {
		return false
	}
	for _, p := range purchases {
		if p == nil || p.Status != PurchaseSucceeded {
			continue
		}
		owned, ok := c.Package(p.PackageID)
		if !ok {
			continue
		}
		if owned.Tier >= required.Tier {
			return true
		}
	}
	return false
}
