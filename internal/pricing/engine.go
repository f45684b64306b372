package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
)

type PricedLine struct {
	Item        domain.CartItem `json:"item"`
	Product     domain.Product  `json:"product"`
	Gross       domain.Money    `json:"gross"`
	Discount    domain.Money    `json:"discount"`
	LineTotal   domain.Money    `json:"line_total"`
	Unpriceable bool            `json:"unpriceable,omitempty"`
}

type PricedCart struct {
	Lines       []PricedLine  `json:"lines"`
	Unpriceable []string      `json:"unpriceable,omitempty"`
	Totals      domain.Totals `json:"totals"`
}

func (p PricedCart) Priceable() bool {
	return len(p.Unpriceable) == 0
}

// Price computes line totals, discounts, tax, delivery and the grand total.
// Products that are missing or unavailable, and fractional amounts of counted
// products, make their line unpriceable; such lines are reported and left out
// of every total.
func Price(cart domain.Cart, products map[string]domain.Product, rules Rules) PricedCart {
	var out PricedCart
	var gross, lineDiscount domain.Money

	for _, item := range cart.Lines() {
		product, ok := products[item.ProductID]
		if !ok || !product.Available || !product.Accepts(item.Quantity) {
			out.Lines = append(out.Lines, PricedLine{Item: item, Product: product, Unpriceable: true})
			out.Unpriceable = append(out.Unpriceable, item.ProductID)
			continue
		}

		line := priceLine(item, product, rules.LineDiscounts)
		gross += line.Gross
		lineDiscount += line.Discount
		out.Lines = append(out.Lines, line)
	}

	subtotal := gross - lineDiscount
	orderDiscount := orderReduction(subtotal, rules.OrderDiscounts)
	tax := percentOf(subtotal, rules.Tax.Rate)

	var delivery domain.Money
	if len(out.Lines) > len(out.Unpriceable) {
		delivery = rules.Delivery.Fee
		if rules.Delivery.FreeAbove > 0 && subtotal >= rules.Delivery.FreeAbove {
			delivery = 0
		}
	}

	out.Totals = domain.Totals{
		Subtotal:      gross,
		LineDiscount:  lineDiscount,
		OrderDiscount: orderDiscount,
		Tax:           tax,
		DeliveryFee:   delivery,
		Total:         max(subtotal+tax+delivery-orderDiscount, 0),
	}
	return out
}

func priceLine(item domain.CartItem, product domain.Product, discounts []LineDiscount) PricedLine {
	gross := lineAmount(product.UnitPrice, item.Quantity)
	remaining := gross

	for _, d := range discounts {
		if d.Kind == Percent && d.matches(product) {
			remaining -= min(percentOf(remaining, d.Rate), remaining)
		}
	}
	for _, d := range discounts {
		if d.Kind == Flat && d.matches(product) {
			remaining -= min(d.Amount, remaining)
		}
	}

	return PricedLine{
		Item:      item,
		Product:   product,
		Gross:     gross,
		Discount:  gross - remaining,
		LineTotal: remaining,
	}
}

func orderReduction(subtotal domain.Money, discounts []OrderDiscount) domain.Money {
	remaining := subtotal
	for _, d := range discounts {
		if d.Kind == Percent && subtotal >= d.MinSubtotal {
			remaining -= min(percentOf(remaining, d.Rate), remaining)
		}
	}
	for _, d := range discounts {
		if d.Kind == Flat && subtotal >= d.MinSubtotal {
			remaining -= min(d.Amount, remaining)
		}
	}
	return subtotal - remaining
}

// lineAmount is unitPrice * quantity rounded half-to-even to the minor unit.
func lineAmount(unitPrice domain.Money, q domain.Quantity) domain.Money {
	amount := decimal.NewFromInt(int64(unitPrice)).Mul(decimal.New(int64(q), -3))
	return domain.Money(amount.RoundBank(0).IntPart())
}

func percentOf(m domain.Money, rate BasisPoints) domain.Money {
	amount := decimal.NewFromInt(int64(m)).Mul(decimal.New(int64(rate), -4))
	return domain.Money(amount.RoundBank(0).IntPart())
}
