package parser

import (
	"context"
	"testing"
	"time"

	"wholesale_backend/internal/config"
	"wholesale_backend/internal/core"
	"wholesale_backend/internal/store"
	apperrors "wholesale_backend/pkg/errors"
	"wholesale_backend/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

var testCfg = config.ParserConfig{
	AutoAcceptThreshold:   80,
	NeedsReviewThreshold:  50,
	MinSimilarity:         0.65,
	ProductMatchThreshold: 0.70,
	SessionTTLMinutes:     30,
}

func newTestParser(t *testing.T) (*Service, *store.Store, *fakeClock) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for _, p := range []*core.Product{
		{ID: "p-rice", SKU: "RICE-5KG", Name: "Rice", Unit: "kg", Aliases: []string{"white rice", "samba rice"}},
		{ID: "p-oil", SKU: "OIL-1L", Name: "Oil", Unit: "l", Aliases: []string{"cooking oil"}},
		{ID: "p-sugar", SKU: "SUGAR-1KG", Name: "Sugar", Unit: "kg"},
		{ID: "p-flour", SKU: "FLOUR-1KG", Name: "Wheat Flour", Unit: "kg", Aliases: []string{"flour"}},
	} {
		require.NoError(t, st.CreateProduct(ctx, p))
	}

	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	svc, err := NewService(ctx, st, testCfg, logging.NewNopLogger(), clock)
	require.NoError(t, err)
	return svc, st, clock
}

func TestParseFreeformText(t *testing.T) {
	svc, _, _ := newTestParser(t)

	res, err := svc.Parse(context.Background(), "text", "10 kg rice, 5 l oil", "r1")
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.False(t, res.NeedsClarification)
	require.Equal(t, "accepted", res.Decision)

	rice := res.Items[0]
	require.Equal(t, "p-rice", rice.ProductID)
	require.Equal(t, "kg", rice.NormalizedUnit)
	require.True(t, rice.NormalizedQty.Equal(decimal.NewFromInt(10)))
	require.Equal(t, "qty_unit_product", rice.Pattern)
	require.GreaterOrEqual(t, rice.Confidence, 80)
}

func TestOCRRepairs(t *testing.T) {
	svc, _, _ := newTestParser(t)

	res, err := svc.Parse(context.Background(), "ocr", "1O kg r1ce, 5 L 0il", "r1")
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.Equal(t, "p-rice", res.Items[0].ProductID)
	require.True(t, res.Items[0].NormalizedQty.Equal(decimal.NewFromInt(10)))
	require.Equal(t, "p-oil", res.Items[1].ProductID)
	require.GreaterOrEqual(t, res.OverallConfidence, testCfg.AutoAcceptThreshold)
}

func TestUnitConversions(t *testing.T) {
	svc, _, _ := newTestParser(t)

	res, err := svc.Parse(context.Background(), "text", "500 g sugar, 2 dozen oil, 250 ml oil", "r1")
	require.NoError(t, err)
	require.Len(t, res.Items, 3)

	require.Equal(t, "kg", res.Items[0].NormalizedUnit)
	require.True(t, res.Items[0].NormalizedQty.Equal(decimal.NewFromFloat(0.5)))

	require.Equal(t, "piece", res.Items[1].NormalizedUnit)
	require.True(t, res.Items[1].NormalizedQty.Equal(decimal.NewFromInt(24)))

	require.Equal(t, "l", res.Items[2].NormalizedUnit)
	require.True(t, res.Items[2].NormalizedQty.Equal(decimal.NewFromFloat(0.25)))
}

func TestSKUTimesQtyPattern(t *testing.T) {
	svc, _, _ := newTestParser(t)

	res, err := svc.Parse(context.Background(), "text", "rice-5kg x 3", "r1")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "sku_x_qty", res.Items[0].Pattern)
	require.Equal(t, "p-rice", res.Items[0].ProductID)
	require.Equal(t, matchSKU, res.Items[0].MatchMethod)
	require.True(t, res.Items[0].Qty.Equal(decimal.NewFromInt(3)))
}

func TestAliasAndFuzzyMatch(t *testing.T) {
	svc, _, _ := newTestParser(t)
	ctx := context.Background()

	res, err := svc.Parse(ctx, "text", "2 kg samba rice", "r1")
	require.NoError(t, err)
	require.Equal(t, "p-rice", res.Items[0].ProductID)
	require.Equal(t, matchAlias, res.Items[0].MatchMethod)

	// one typo still resolves through edit distance
	res, err = svc.Parse(ctx, "text", "3 kg sugaar", "r1")
	require.NoError(t, err)
	require.Equal(t, "p-sugar", res.Items[0].ProductID)
	require.Equal(t, matchFuzzy, res.Items[0].MatchMethod)
}

func TestBareProductAsksForQuantity(t *testing.T) {
	svc, _, _ := newTestParser(t)

	res, err := svc.Parse(context.Background(), "whatsapp", "sugar", "r1")
	require.NoError(t, err)
	require.True(t, res.NeedsClarification)
	require.Len(t, res.Clarifications, 1)
	require.Equal(t, MissingQuantity, res.Clarifications[0].Type)
	require.Equal(t, "needs_clarification", res.Decision)
}

func TestGibberishIsRejected(t *testing.T) {
	svc, _, _ := newTestParser(t)

	res, err := svc.Parse(context.Background(), "text", "zzqx wvvk ppd", "r1")
	require.NoError(t, err)
	require.Equal(t, "rejected", res.Decision)
	require.Less(t, res.OverallConfidence, testCfg.NeedsReviewThreshold)
}

func TestClarifyResolvesMissingQuantity(t *testing.T) {
	svc, _, _ := newTestParser(t)
	ctx := context.Background()

	res, err := svc.Parse(ctx, "whatsapp", "sugar", "r1")
	require.NoError(t, err)
	require.True(t, res.NeedsClarification)

	res2, err := svc.Clarify(ctx, res.SessionID, []Answer{{ItemIndex: 0, Text: "5 kg"}})
	require.NoError(t, err)
	require.False(t, res2.NeedsClarification)
	require.True(t, res2.Items[0].NormalizedQty.Equal(decimal.NewFromInt(5)))
	require.Equal(t, "kg", res2.Items[0].NormalizedUnit)
	require.Greater(t, res2.OverallConfidence, res.OverallConfidence)
}

func TestClarifySessionExpires(t *testing.T) {
	svc, _, clock := newTestParser(t)
	ctx := context.Background()

	res, err := svc.Parse(ctx, "whatsapp", "sugar", "r1")
	require.NoError(t, err)

	clock.now = clock.now.Add(31 * time.Minute)
	_, err = svc.Clarify(ctx, res.SessionID, []Answer{{ItemIndex: 0, Text: "5 kg"}})
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestParseIsIdempotentOnItsOwnSummary(t *testing.T) {
	svc, _, _ := newTestParser(t)
	ctx := context.Background()

	first, err := svc.Parse(ctx, "text", "10 kg rice, 5 l oil", "r1")
	require.NoError(t, err)
	require.Equal(t, "accepted", first.Decision)

	again, err := svc.Parse(ctx, "text", first.Summary, "r1")
	require.NoError(t, err)
	require.Len(t, again.Items, len(first.Items))
	for i := range again.Items {
		require.Equal(t, first.Items[i].ProductID, again.Items[i].ProductID)
		require.True(t, first.Items[i].NormalizedQty.Equal(again.Items[i].NormalizedQty))
		require.GreaterOrEqual(t, again.Items[i].Confidence, first.Items[i].Confidence)
	}
}

func TestEditDistance(t *testing.T) {
	require.Equal(t, 0, editDistance("rice", "rice"))
	require.Equal(t, 1, editDistance("rice", "rise"))
	require.Equal(t, 4, editDistance("", "rice"))
	require.InDelta(t, 0.8, similarity("sugar", "sugaa"), 0.01)
}
