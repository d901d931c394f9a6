package inventory

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// UoMResolver converts a movement's unit into the canonical unit for its
// product. Lookup order: product-specific conversion, global conversion for
// the unit, then pass-through unchanged.
type UoMResolver struct {
	Conversions UoMConversions
}

// Resolved is the outcome of a unit resolution.
type Resolved struct {
	Quantity decimal.Decimal
	UnitCost *decimal.Decimal
	Unit     string
	Factor   decimal.Decimal
}

// Resolve applies the conversion to qty and unitCost. The unit cost is
// divided by the factor so qty*unitCost is unchanged by the conversion.
func (r *UoMResolver) Resolve(ctx context.Context, tenant TenantID, productID, unit string, qty decimal.Decimal, unitCost *decimal.Decimal) (Resolved, error) {
	out := Resolved{Quantity: qty, UnitCost: unitCost, Unit: unit, Factor: decimal.NewFromInt(1)}
	if r == nil || r.Conversions == nil {
		return out, nil
	}

	conv, err := r.Conversions.Conversion(ctx, tenant, productID, unit)
	if err != nil {
		return out, fmt.Errorf("uom lookup %s/%s: %w", productID, unit, err)
	}
	if conv == nil {
		conv, err = r.Conversions.Conversion(ctx, tenant, "", unit)
		if err != nil {
			return out, fmt.Errorf("uom lookup %s: %w", unit, err)
		}
	}
	// Unresolvable units fall back to the source unit.
	if conv == nil || !conv.Factor.IsPositive() {
		return out, nil
	}

	out.Unit = conv.ToUnit
	out.Factor = conv.Factor
	out.Quantity = qty.Mul(conv.Factor)
	if unitCost != nil {
		c := unitCost.Div(conv.Factor)
		out.UnitCost = &c
	}
	return out, nil
}
