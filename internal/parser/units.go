package parser

import "github.com/shopspring/decimal"

// unitDef maps a spoken unit to its canonical unit and conversion factor.
// kg is canonical for weight, l for volume, piece for count.
type unitDef struct {
	Canonical string
	Factor    decimal.Decimal
}

var unitTable = map[string]unitDef{
	// weight
	"kg":        {"kg", decimal.NewFromInt(1)},
	"kgs":       {"kg", decimal.NewFromInt(1)},
	"kilo":      {"kg", decimal.NewFromInt(1)},
	"kilos":     {"kg", decimal.NewFromInt(1)},
	"kilogram":  {"kg", decimal.NewFromInt(1)},
	"kilograms": {"kg", decimal.NewFromInt(1)},
	"g":         {"kg", decimal.NewFromFloat(0.001)},
	"gram":      {"kg", decimal.NewFromFloat(0.001)},
	"grams":     {"kg", decimal.NewFromFloat(0.001)},

	// volume
	"l":      {"l", decimal.NewFromInt(1)},
	"lt":     {"l", decimal.NewFromInt(1)},
	"ltr":    {"l", decimal.NewFromInt(1)},
	"litre":  {"l", decimal.NewFromInt(1)},
	"litres": {"l", decimal.NewFromInt(1)},
	"liter":  {"l", decimal.NewFromInt(1)},
	"liters": {"l", decimal.NewFromInt(1)},
	"ml":     {"l", decimal.NewFromFloat(0.001)},

	// count
	"pc":      {"piece", decimal.NewFromInt(1)},
	"pcs":     {"piece", decimal.NewFromInt(1)},
	"piece":   {"piece", decimal.NewFromInt(1)},
	"pieces":  {"piece", decimal.NewFromInt(1)},
	"unit":    {"piece", decimal.NewFromInt(1)},
	"units":   {"piece", decimal.NewFromInt(1)},
	"nos":     {"piece", decimal.NewFromInt(1)},
	"dozen":   {"piece", decimal.NewFromInt(12)},
	"doz":     {"piece", decimal.NewFromInt(12)},

	// packaging counts as piece
	"bag":     {"piece", decimal.NewFromInt(1)},
	"bags":    {"piece", decimal.NewFromInt(1)},
	"box":     {"piece", decimal.NewFromInt(1)},
	"boxes":   {"piece", decimal.NewFromInt(1)},
	"pack":    {"piece", decimal.NewFromInt(1)},
	"packs":   {"piece", decimal.NewFromInt(1)},
	"packet":  {"piece", decimal.NewFromInt(1)},
	"packets": {"piece", decimal.NewFromInt(1)},
	"bottle":  {"piece", decimal.NewFromInt(1)},
	"bottles": {"piece", decimal.NewFromInt(1)},
	"sack":    {"piece", decimal.NewFromInt(1)},
	"sacks":   {"piece", decimal.NewFromInt(1)},
	"carton":  {"piece", decimal.NewFromInt(1)},
	"cartons": {"piece", decimal.NewFromInt(1)},
	"tin":     {"piece", decimal.NewFromInt(1)},
	"tins":    {"piece", decimal.NewFromInt(1)},
	"can":     {"piece", decimal.NewFromInt(1)},
	"cans":    {"piece", decimal.NewFromInt(1)},
	"case":    {"piece", decimal.NewFromInt(1)},
	"cases":   {"piece", decimal.NewFromInt(1)},
}

// normalizeUnit resolves a raw unit token. ok is false for unknown units.
func normalizeUnit(raw string) (canonical string, factor decimal.Decimal, ok bool) {
	def, ok := unitTable[raw]
	if !ok {
		return "", decimal.Zero, false
	}
	return def.Canonical, def.Factor, true
}

// isUnit reports whether tok is a recognized unit word.
func isUnit(tok string) bool {
	_, ok := unitTable[tok]
	return ok
}
