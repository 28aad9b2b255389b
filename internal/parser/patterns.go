package parser

import (
	"regexp"

	"github.com/shopspring/decimal"
)

// lineToken is the structural parse of one candidate line, before product
// matching.
type lineToken struct {
	Raw         string
	ProductText string
	Qty         decimal.Decimal
	HasQty      bool
	Unit        string // raw unit word, possibly empty
	Pattern     string
	Weight      int
}

var (
	reSKUQty        = regexp.MustCompile(`^([a-z0-9][a-z0-9-]*)\s*[x×*]\s*(\d+(?:\.\d+)?)$`)
	reQtyUnitProd   = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([a-z]+)\s+(.+)$`)
	reProdQtyUnit   = regexp.MustCompile(`^(.+?)\s+(\d+(?:\.\d+)?)\s*([a-z]+)$`)
	reProdUnitQty   = regexp.MustCompile(`^(.+?)\s+([a-z]+)\s+(\d+(?:\.\d+)?)$`)
	reQtyProd       = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s+(.+)$`)
	reBareProduct   = regexp.MustCompile(`^[a-z][a-z0-9 -]*$`)
)

// parseLine tries each recognized pattern in fixed order and returns the
// structural token. Quantity-less lines come back with HasQty false so the
// caller can raise a MISSING_QUANTITY clarification.
func parseLine(line string) *lineToken {
	if m := reSKUQty.FindStringSubmatch(line); m != nil {
		return &lineToken{
			Raw: line, ProductText: m[1],
			Qty: mustDec(m[2]), HasQty: true,
			Pattern: "sku_x_qty", Weight: 95,
		}
	}
	if m := reQtyUnitProd.FindStringSubmatch(line); m != nil && isUnit(m[2]) {
		return &lineToken{
			Raw: line, ProductText: m[3],
			Qty: mustDec(m[1]), HasQty: true, Unit: m[2],
			Pattern: "qty_unit_product", Weight: 90,
		}
	}
	if m := reProdQtyUnit.FindStringSubmatch(line); m != nil && isUnit(m[3]) {
		return &lineToken{
			Raw: line, ProductText: m[1],
			Qty: mustDec(m[2]), HasQty: true, Unit: m[3],
			Pattern: "product_qty_unit", Weight: 85,
		}
	}
	if m := reProdUnitQty.FindStringSubmatch(line); m != nil && isUnit(m[2]) {
		return &lineToken{
			Raw: line, ProductText: m[1],
			Qty: mustDec(m[3]), HasQty: true, Unit: m[2],
			Pattern: "product_unit_qty", Weight: 80,
		}
	}
	// quantity without a unit word: "10 rice"
	if m := reQtyProd.FindStringSubmatch(line); m != nil {
		return &lineToken{
			Raw: line, ProductText: m[2],
			Qty: mustDec(m[1]), HasQty: true,
			Pattern: "qty_product", Weight: 75,
		}
	}
	if reBareProduct.MatchString(line) {
		return &lineToken{
			Raw: line, ProductText: line,
			Pattern: "bare_product", Weight: 70,
		}
	}
	return nil
}

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
