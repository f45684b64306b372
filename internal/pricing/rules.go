package pricing

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
)

// BasisPoints expresses a rate in hundredths of a percent: 1000 is 10%.
type BasisPoints int64

const FullRate BasisPoints = 10000

type DiscountKind int

const (
	Percent DiscountKind = iota
	Flat
)

func (k DiscountKind) String() string {
	switch k {
	case Percent:
		return "percent"
	case Flat:
		return "flat"
	default:
		return "unknown"
	}
}

// LineDiscount reduces matching lines. With neither ProductIDs nor Category
// set it applies to every line.
type LineDiscount struct {
	Name       string
	Kind       DiscountKind
	Rate       BasisPoints
	Amount     domain.Money
	ProductIDs []string
	Category   string
}

func (d LineDiscount) matches(p domain.Product) bool {
	if len(d.ProductIDs) == 0 && d.Category == "" {
		return true
	}
	for _, id := range d.ProductIDs {
		if id == p.ID {
			return true
		}
	}
	return d.Category != "" && d.Category == p.Category
}

// OrderDiscount reduces the order once its discounted subtotal reaches MinSubtotal.
type OrderDiscount struct {
	Name        string
	Kind        DiscountKind
	Rate        BasisPoints
	Amount      domain.Money
	MinSubtotal domain.Money
}

type Tax struct {
	Rate BasisPoints
}

// Delivery charges Fee unless the discounted subtotal reaches FreeAbove. A zero
// FreeAbove never waives the fee.
type Delivery struct {
	Fee       domain.Money
	FreeAbove domain.Money
}

type Rules struct {
	LineDiscounts  []LineDiscount
	OrderDiscounts []OrderDiscount
	Tax            Tax
	Delivery       Delivery
}

var ErrInvalidRules = errors.New("invalid pricing rules")

type discountDTO struct {
	Name        string   `yaml:"name"`
	Kind        string   `yaml:"kind"`
	Rate        int64    `yaml:"rate_bps"`
	Amount      int64    `yaml:"amount"`
	ProductIDs  []string `yaml:"product_ids"`
	Category    string   `yaml:"category"`
	MinSubtotal int64    `yaml:"min_subtotal"`
}

type rulesDTO struct {
	LineDiscounts  []discountDTO `yaml:"line_discounts"`
	OrderDiscounts []discountDTO `yaml:"order_discounts"`
	Tax            struct {
		Rate int64 `yaml:"rate_bps"`
	} `yaml:"tax"`
	Delivery struct {
		Fee       int64 `yaml:"fee"`
		FreeAbove int64 `yaml:"free_above"`
	} `yaml:"delivery"`
}

// LoadRules parses YAML pricing rules and validates them into Rules.
func LoadRules(r io.Reader) (Rules, error) {
	var dto rulesDTO
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&dto); err != nil && !errors.Is(err, io.EOF) {
		return Rules{}, fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}

	var rules Rules
	for i, d := range dto.LineDiscounts {
		kind, err := parseDiscount(d)
		if err != nil {
			return Rules{}, fmt.Errorf("%w: line_discounts[%d]: %w", ErrInvalidRules, i, err)
		}
		rules.LineDiscounts = append(rules.LineDiscounts, LineDiscount{
			Name:       d.Name,
			Kind:       kind,
			Rate:       BasisPoints(d.Rate),
			Amount:     domain.Money(d.Amount),
			ProductIDs: d.ProductIDs,
			Category:   d.Category,
		})
	}
	for i, d := range dto.OrderDiscounts {
		kind, err := parseDiscount(d)
		if err != nil {
			return Rules{}, fmt.Errorf("%w: order_discounts[%d]: %w", ErrInvalidRules, i, err)
		}
		if d.MinSubtotal < 0 {
			return Rules{}, fmt.Errorf("%w: order_discounts[%d]: negative min_subtotal", ErrInvalidRules, i)
		}
		rules.OrderDiscounts = append(rules.OrderDiscounts, OrderDiscount{
			Name:        d.Name,
			Kind:        kind,
			Rate:        BasisPoints(d.Rate),
			Amount:      domain.Money(d.Amount),
			MinSubtotal: domain.Money(d.MinSubtotal),
		})
	}

	if dto.Tax.Rate < 0 || BasisPoints(dto.Tax.Rate) > FullRate {
		return Rules{}, fmt.Errorf("%w: tax rate %d out of range", ErrInvalidRules, dto.Tax.Rate)
	}
	rules.Tax = Tax{Rate: BasisPoints(dto.Tax.Rate)}

	if dto.Delivery.Fee < 0 || dto.Delivery.FreeAbove < 0 {
		return Rules{}, fmt.Errorf("%w: negative delivery values", ErrInvalidRules)
	}
	rules.Delivery = Delivery{Fee: domain.Money(dto.Delivery.Fee), FreeAbove: domain.Money(dto.Delivery.FreeAbove)}

	return rules, nil
}

func parseDiscount(d discountDTO) (DiscountKind, error) {
	switch d.Kind {
	case "percent":
		if d.Rate <= 0 || BasisPoints(d.Rate) > FullRate {
			return 0, fmt.Errorf("rate %d out of range", d.Rate)
		}
		return Percent, nil
	case "flat":
		if d.Amount <= 0 {
			return 0, fmt.Errorf("amount must be positive")
		}
		return Flat, nil
	default:
		return 0, fmt.Errorf("unknown kind %q", d.Kind)
	}
}
