package memory

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/vitwit/storefront/types"
	"github.com/vitwit/storefront/utils"
)

type catalogEntry struct {
	ID                   string `yaml:"id"`
	Name                 string `yaml:"name"`
	Price                string `yaml:"price"`
	Currency             string `yaml:"currency"`
	PricingModel         string `yaml:"pricing_model"`
	SubscriptionPeriod   string `yaml:"subscription_period"`
	SubscriptionDuration int    `yaml:"subscription_duration"`
	PricePerPeriod       string `yaml:"price_per_period"`
	Unavailable          bool   `yaml:"unavailable"`
}

type catalogFile struct {
	Products []catalogEntry `yaml:"products"`
}

// LoadCatalog adds the products of a YAML catalog, a top-level products
// list whose entries use the snake_case field names of catalogEntry. It
// returns the number of products added. Nothing is added when any entry is
// invalid.
func (s *Store) LoadCatalog(r io.Reader) (int, error) {
	var f catalogFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return 0, fmt.Errorf("failed to parse catalog: %w", err)
	}

	products := make([]types.Product, 0, len(f.Products))
	for i, e := range f.Products {
		p, err := e.product()
		if err != nil {
			return 0, fmt.Errorf("catalog entry %d (%s): %w", i, e.ID, err)
		}
		if err := s.validate.Struct(p); err != nil {
			return 0, fmt.Errorf("catalog entry %d (%s): %w", i, e.ID, err)
		}
		products = append(products, p)
	}

	for _, p := range products {
		if err := s.AddProduct(p); err != nil {
			return 0, err
		}
	}
	s.logger.Info("catalog loaded", map[string]any{"products": len(products)})
	return len(products), nil
}

func (e catalogEntry) product() (types.Product, error) {
	price, err := utils.ValidateAmount(e.Price)
	if err != nil {
		return types.Product{}, err
	}
	model := types.PricingModel(e.PricingModel)
	if model == "" {
		model = types.PricingOneTime
	}

	p := types.Product{
		ID:                   e.ID,
		Name:                 e.Name,
		Price:                *price,
		Currency:             e.Currency,
		PricingModel:         model,
		SubscriptionPeriod:   types.SubscriptionPeriod(e.SubscriptionPeriod),
		SubscriptionDuration: e.SubscriptionDuration,
		Available:            !e.Unavailable,
	}
	if e.PricePerPeriod != "" {
		per, err := utils.ValidateAmount(e.PricePerPeriod)
		if err != nil {
			return types.Product{}, fmt.Errorf("price_per_period: %w", err)
		}
		p.SubscriptionPricePerPeriod = per
	}
	return p, nil
}

