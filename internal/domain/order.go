package domain

import "time"

// OrderLine is a value copy of a cart item and its resolved price at commit time.
type OrderLine struct {
	ProductID       string   `json:"product_id" bson:"product_id"`
	Name            string   `json:"name" bson:"name"`
	Unit            string   `json:"unit" bson:"unit"`
	SelectedVariant string   `json:"selected_variant,omitempty" bson:"selected_variant,omitempty"`
	Quantity        Quantity `json:"quantity" bson:"quantity"`
	UnitPrice       Money    `json:"unit_price" bson:"unit_price"`
	Discount        Money    `json:"discount" bson:"discount"`
	LineTotal       Money    `json:"line_total" bson:"line_total"`
}

type Totals struct {
	Subtotal      Money `json:"subtotal" bson:"subtotal"`
	LineDiscount  Money `json:"line_discount" bson:"line_discount"`
	OrderDiscount Money `json:"order_discount" bson:"order_discount"`
	Tax           Money `json:"tax" bson:"tax"`
	DeliveryFee   Money `json:"delivery_fee" bson:"delivery_fee"`
	Total         Money `json:"total" bson:"total"`
}

type Order struct {
	ID              string      `json:"id" bson:"_id"`
	UserID          string      `json:"user_id" bson:"user_id"`
	IdempotencyKey  string      `json:"idempotency_key" bson:"idempotency_key"`
	Lines           []OrderLine `json:"lines" bson:"lines"`
	DeliveryAddress Address     `json:"delivery_address" bson:"delivery_address"`
	Totals          Totals      `json:"totals" bson:"totals"`
	PaymentMethod   string      `json:"payment_method,omitempty" bson:"payment_method,omitempty"`
	Status          OrderStatus `json:"status" bson:"status"`
	CreatedAt       time.Time   `json:"created_at" bson:"created_at"`
}
