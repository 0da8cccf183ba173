package order

import "carmarket-be/internal/utils"

// NewOrderNumber returns a human readable order reference like ORD-3F9A1C07B2.
func NewOrderNumber() string {
	return utils.GenerateReference("ORD", 10)
}
