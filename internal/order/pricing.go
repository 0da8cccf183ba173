package order

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

type Fees struct {
	CarPrice    decimal.Decimal
	PlatformFee decimal.Decimal
	DeliveryFee decimal.Decimal
	Total       decimal.Decimal
}

// CalculateFees is the only place order amounts are derived. The platform
// fee is feePercent of the car price rounded to cents; the result is stored
// on the order and never recomputed.
func CalculateFees(carPrice, deliveryFee, feePercent decimal.Decimal) Fees {
	platformFee := carPrice.Mul(feePercent).Div(hundred).Round(2)
	return Fees{
		CarPrice:    carPrice,
		PlatformFee: platformFee,
		DeliveryFee: deliveryFee,
		Total:       carPrice.Add(platformFee).Add(deliveryFee),
	}
}
