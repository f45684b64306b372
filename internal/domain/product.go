package domain

import "strings"

// Product is owned by the remote store and cached read-only on the device.
type Product struct {
	ID         string   `json:"id" bson:"_id" db:"id"`
	Name       string   `json:"name" bson:"name" db:"name"`
	UnitPrice  Money    `json:"unit_price" bson:"unit_price" db:"unit_price"`
	Unit       string   `json:"unit" bson:"unit" db:"unit"`
	Category   string   `json:"category" bson:"category" db:"category"`
	StockCount Quantity `json:"stock_count" bson:"stock_count" db:"stock_count"`
	Available  bool     `json:"available" bson:"available" db:"available"`
	Version    int64    `json:"version" bson:"version" db:"version"`
}

// measuredUnits are sold by weight or volume; every other unit is counted.
var measuredUnits = map[string]bool{
	"kg": true, "g": true, "lb": true, "oz": true, "l": true, "ml": true,
}

// Measured reports whether the product may be ordered in fractional amounts.
func (p Product) Measured() bool {
	return measuredUnits[strings.ToLower(p.Unit)]
}

// Accepts reports whether q is an orderable amount of p.
func (p Product) Accepts(q Quantity) bool {
	return q.IsPositive() && (p.Measured() || q.Whole())
}
