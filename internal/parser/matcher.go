package parser

import (
	"context"
	"sort"
	"strings"

	"wholesale_backend/internal/core"
	"wholesale_backend/internal/store"
)

// Match methods in decreasing confidence order.
const (
	matchSKU      = "exact_sku"
	matchAlias    = "exact_alias"
	matchName     = "normalized_name"
	matchFuzzy    = "fuzzy"
	matchFullText = "full_text"
)

// matcher resolves free text to catalog products. The catalog is indexed in
// memory at construction; Refresh rebuilds it.
type matcher struct {
	store         *store.Store
	minSimilarity float64

	bySKU   map[string]*core.Product
	byAlias map[string]*core.Product
	byName  map[string]*core.Product
	all     []*core.Product
}

func newMatcher(ctx context.Context, st *store.Store, minSimilarity float64) (*matcher, error) {
	m := &matcher{store: st, minSimilarity: minSimilarity}
	return m, m.Refresh(ctx)
}

// Refresh reloads the catalog index.
func (m *matcher) Refresh(ctx context.Context) error {
	products, err := m.store.ListProducts(ctx)
	if err != nil {
		return err
	}

	m.bySKU = make(map[string]*core.Product, len(products))
	m.byAlias = make(map[string]*core.Product)
	m.byName = make(map[string]*core.Product, len(products))
	m.all = products

	for _, p := range products {
		m.bySKU[strings.ToLower(p.SKU)] = p
		m.byName[normalizeName(p.Name)] = p
		for _, a := range p.Aliases {
			m.byAlias[normalizeName(a)] = p
		}
	}
	return nil
}

// matchResult is one candidate with its confidence (0-100).
type matchResult struct {
	Product    *core.Product
	Confidence int
	Method     string
}

// Match resolves term against the catalog, trying exact SKU, exact alias,
// normalized name, fuzzy edit distance and finally full-text search. The
// second return lists near-miss candidates for clarification suggestions.
func (m *matcher) Match(ctx context.Context, term string) (*matchResult, []*core.Product) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}

	if p, ok := m.bySKU[strings.ToLower(term)]; ok {
		return &matchResult{Product: p, Confidence: 95, Method: matchSKU}, nil
	}

	norm := normalizeName(term)
	if p, ok := m.byAlias[norm]; ok {
		return &matchResult{Product: p, Confidence: 90, Method: matchAlias}, nil
	}
	if p, ok := m.byName[norm]; ok {
		return &matchResult{Product: p, Confidence: 85, Method: matchName}, nil
	}

	if r, candidates := m.fuzzy(norm); r != nil {
		return r, candidates
	}

	return m.fullText(ctx, term)
}

// fuzzy scans the catalog for the best edit-distance ratio at or above the
// similarity floor. Confidence scales linearly from 50 at the floor to 80 at
// an exact ratio.
func (m *matcher) fuzzy(norm string) (*matchResult, []*core.Product) {
	type scored struct {
		p     *core.Product
		ratio float64
	}
	var hits []scored
	for _, p := range m.all {
		best := similarity(norm, normalizeName(p.Name))
		for _, a := range p.Aliases {
			if r := similarity(norm, normalizeName(a)); r > best {
				best = r
			}
		}
		if best >= m.minSimilarity {
			hits = append(hits, scored{p, best})
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].ratio > hits[j].ratio })

	span := 1.0 - m.minSimilarity
	conf := 50 + int(30*(hits[0].ratio-m.minSimilarity)/span)

	var candidates []*core.Product
	for _, h := range hits {
		candidates = append(candidates, h.p)
		if len(candidates) == 3 {
			break
		}
	}
	return &matchResult{Product: hits[0].p, Confidence: conf, Method: matchFuzzy}, candidates
}

func (m *matcher) fullText(ctx context.Context, term string) (*matchResult, []*core.Product) {
	found, err := m.store.SearchProducts(ctx, term)
	if err != nil || len(found) == 0 {
		return nil, nil
	}
	conf := 60
	if len(found) == 1 {
		conf = 75
	}
	return &matchResult{Product: found[0], Confidence: conf, Method: matchFullText}, found
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// similarity is the edit-distance ratio in [0,1]: 1 - dist/maxLen.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 0
	}
	d := editDistance(a, b)
	max := la
	if lb > max {
		max = lb
	}
	return 1 - float64(d)/float64(max)
}

// editDistance is the classic two-row Levenshtein.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
