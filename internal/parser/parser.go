// Package parser turns raw order text from any source into a canonical item
// list with product matches and confidence scores. Parsing never fails to the
// caller; low-confidence inputs come back as clarification questions.
package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wholesale_backend/internal/config"
	"wholesale_backend/internal/core"
	"wholesale_backend/internal/store"
	apperrors "wholesale_backend/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// penalty applied to an item carrying an unanswered clarification
const clarificationPenalty = 10

// ClarificationType classifies what is missing from an item.
type ClarificationType string

const (
	MissingQuantity  ClarificationType = "MISSING_QUANTITY"
	InvalidUnit      ClarificationType = "INVALID_UNIT"
	AmbiguousProduct ClarificationType = "AMBIGUOUS_PRODUCT"
)

// Item is one parsed order line.
type Item struct {
	ProductID      string          `json:"product_id"`
	SKU            string          `json:"sku"`
	ProductName    string          `json:"product_name"`
	RawText        string          `json:"raw_text"`
	Qty            decimal.Decimal `json:"qty"`
	Unit           string          `json:"unit"`
	NormalizedQty  decimal.Decimal `json:"normalized_qty"`
	NormalizedUnit string          `json:"normalized_unit"`
	Confidence     int             `json:"confidence"`
	BaseConfidence int             `json:"base_confidence"` // before clarification penalties
	MatchMethod    string          `json:"match_method"`
	Pattern        string          `json:"pattern"`
}

// Clarification is a typed question about one item.
type Clarification struct {
	Type        ClarificationType `json:"type"`
	ItemIndex   int               `json:"item_index"`
	Question    string            `json:"question"`
	Suggestions []string          `json:"suggestions,omitempty"`
}

// Result is what Parse and Clarify always return.
type Result struct {
	Items              []Item          `json:"items"`
	OverallConfidence  int             `json:"overall_confidence"`
	NeedsClarification bool            `json:"needs_clarification"`
	Clarifications     []Clarification `json:"clarifications"`
	SessionID          string          `json:"session_id"`
	Summary            string          `json:"summary"`
	Decision           string          `json:"decision"` // accepted | needs_clarification | rejected
}

// Answer resolves one clarification.
type Answer struct {
	ItemIndex int    `json:"item_index"`
	Text      string `json:"text"`
}

type Service struct {
	store   *store.Store
	matcher *matcher
	cfg     config.ParserConfig
	logger  core.ILogger
	clock   core.IClock
}

func NewService(ctx context.Context, st *store.Store, cfg config.ParserConfig, logger core.ILogger, clock core.IClock) (*Service, error) {
	if clock == nil {
		clock = core.SystemClock{}
	}
	m, err := newMatcher(ctx, st, cfg.MinSimilarity)
	if err != nil {
		return nil, fmt.Errorf("failed to build product index: %w", err)
	}
	return &Service{store: st, matcher: m, cfg: cfg, logger: logger, clock: clock}, nil
}

// RefreshCatalog rebuilds the in-memory product index after catalog changes.
func (s *Service) RefreshCatalog(ctx context.Context) error {
	return s.matcher.Refresh(ctx)
}

// Parse turns raw input into a scored item list and persists the session.
func (s *Service) Parse(ctx context.Context, source, rawInput, retailerID string) (*Result, error) {
	res := s.parse(ctx, rawInput)
	res.SessionID = uuid.NewString()

	now := s.clock.Now().UTC()
	status := sessionStatus(res)
	payload, _ := json.Marshal(res)
	err := s.store.CreateParseSession(ctx, &core.ParseSession{
		ID:         res.SessionID,
		Source:     source,
		RetailerID: retailerID,
		RawInput:   rawInput,
		Result:     payload,
		Status:     status,
		ExpiresAt:  now.Add(time.Duration(s.cfg.SessionTTLMinutes) * time.Minute),
		CreatedAt:  now,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order input parsed",
		"session_id", res.SessionID, "source", source,
		"items", len(res.Items), "confidence", res.OverallConfidence,
		"decision", res.Decision)
	return res, nil
}

// Clarify merges answers into an open session and rescores it. Sessions past
// their TTL are gone.
func (s *Service) Clarify(ctx context.Context, sessionID string, answers []Answer) (*Result, error) {
	now := s.clock.Now().UTC()
	sess, err := s.store.GetParseSession(ctx, sessionID, now)
	if err != nil {
		return nil, err
	}
	if sess.Status != "awaiting_clarification" && sess.Status != "open" {
		return nil, fmt.Errorf("%w: session %s is %s", apperrors.ErrValidation, sessionID, sess.Status)
	}

	var res Result
	if err := json.Unmarshal(sess.Result, &res); err != nil {
		return nil, fmt.Errorf("corrupt parse session %s: %w", sessionID, err)
	}

	for _, ans := range answers {
		s.applyAnswer(ctx, &res, ans)
	}
	s.score(&res)
	res.SessionID = sessionID

	payload, _ := json.Marshal(&res)
	if err := s.store.UpdateParseSession(ctx, sessionID, payload, sessionStatus(&res)); err != nil {
		return nil, err
	}
	return &res, nil
}

// parse runs the full pipeline on one raw input.
func (s *Service) parse(ctx context.Context, rawInput string) *Result {
	res := &Result{}
	normalized := normalizeInput(rawInput)

	for _, line := range splitLines(normalized) {
		tok := parseLine(line)
		if tok == nil {
			continue
		}
		idx := len(res.Items)
		item := Item{
			RawText: tok.Raw,
			Qty:     tok.Qty,
			Unit:    tok.Unit,
			Pattern: tok.Pattern,
		}

		match, candidates := s.matcher.Match(ctx, tok.ProductText)
		if match == nil {
			res.Items = append(res.Items, item)
			res.Clarifications = append(res.Clarifications, Clarification{
				Type:        AmbiguousProduct,
				ItemIndex:   idx,
				Question:    fmt.Sprintf("We could not find %q in the catalog. Which product did you mean?", tok.ProductText),
				Suggestions: productNames(candidates),
			})
			continue
		}

		item.ProductID = match.Product.ID
		item.SKU = match.Product.SKU
		item.ProductName = match.Product.Name
		item.MatchMethod = match.Method
		item.BaseConfidence = match.Confidence
		if tok.Weight < item.BaseConfidence {
			item.BaseConfidence = tok.Weight
		}

		if match.Method == matchFuzzy && float64(match.Confidence)/100 < s.cfg.ProductMatchThreshold && len(candidates) > 1 {
			res.Clarifications = append(res.Clarifications, Clarification{
				Type:        AmbiguousProduct,
				ItemIndex:   idx,
				Question:    fmt.Sprintf("Did you mean %s?", match.Product.Name),
				Suggestions: productNames(candidates),
			})
		}

		if !tok.HasQty {
			res.Clarifications = append(res.Clarifications, Clarification{
				Type:      MissingQuantity,
				ItemIndex: idx,
				Question:  fmt.Sprintf("How many %s of %s do you need?", match.Product.Unit, match.Product.Name),
			})
		} else {
			s.normalizeItemUnit(&item, match.Product, &res.Clarifications, idx)
		}

		res.Items = append(res.Items, item)
	}

	s.score(res)
	return res
}

// normalizeItemUnit converts the raw unit into canonical form. A missing
// unit falls back to the product's catalog unit; an unrecognizable one asks.
func (s *Service) normalizeItemUnit(item *Item, p *core.Product, clars *[]Clarification, idx int) {
	unit := item.Unit
	if unit == "" {
		unit = strings.ToLower(p.Unit)
	}
	canonical, factor, ok := normalizeUnit(unit)
	if !ok {
		*clars = append(*clars, Clarification{
			Type:      InvalidUnit,
			ItemIndex: idx,
			Question:  fmt.Sprintf("We did not recognize the unit %q for %s. kg, l or pieces?", item.Unit, p.Name),
		})
		return
	}
	item.NormalizedUnit = canonical
	item.NormalizedQty = item.Qty.Mul(factor)
}

// applyAnswer merges one clarification answer and drops the question.
func (s *Service) applyAnswer(ctx context.Context, res *Result, ans Answer) {
	if ans.ItemIndex < 0 || ans.ItemIndex >= len(res.Items) {
		return
	}
	item := &res.Items[ans.ItemIndex]

	var pending *Clarification
	for i := range res.Clarifications {
		if res.Clarifications[i].ItemIndex == ans.ItemIndex {
			pending = &res.Clarifications[i]
			break
		}
	}
	if pending == nil {
		return
	}

	text := strings.ToLower(strings.TrimSpace(ans.Text))
	resolved := false

	switch pending.Type {
	case MissingQuantity:
		if tok := parseLine(text + " " + item.RawText); tok != nil && tok.HasQty {
			item.Qty = tok.Qty
			item.Unit = tok.Unit
			resolved = true
		} else if d, err := decimal.NewFromString(text); err == nil && d.IsPositive() {
			item.Qty = d
			resolved = true
		}
	case InvalidUnit:
		if isUnit(text) {
			item.Unit = text
			resolved = true
		}
	case AmbiguousProduct:
		if match, _ := s.matcher.Match(ctx, text); match != nil {
			item.ProductID = match.Product.ID
			item.SKU = match.Product.SKU
			item.ProductName = match.Product.Name
			item.MatchMethod = match.Method
			item.BaseConfidence = match.Confidence
			resolved = true
		}
	}
	if !resolved {
		return
	}

	// drop the answered question and renormalize the unit
	kept := res.Clarifications[:0]
	for _, c := range res.Clarifications {
		if !(c.ItemIndex == ans.ItemIndex && c.Type == pending.Type) {
			kept = append(kept, c)
		}
	}
	res.Clarifications = kept

	if item.ProductID != "" && item.Qty.IsPositive() {
		if p, err := s.store.GetProduct(ctx, item.ProductID); err == nil {
			idx := ans.ItemIndex
			s.normalizeItemUnit(item, p, &res.Clarifications, idx)
		}
	}
}

// score recomputes per-item and overall confidence and the decision.
func (s *Service) score(res *Result) {
	pendingByItem := make(map[int]int)
	for _, c := range res.Clarifications {
		pendingByItem[c.ItemIndex]++
	}

	total := 0
	for i := range res.Items {
		conf := res.Items[i].BaseConfidence
		if n := pendingByItem[i]; n > 0 {
			conf -= n * clarificationPenalty
		}
		if conf < 0 {
			conf = 0
		}
		res.Items[i].Confidence = conf
		total += conf
	}

	if len(res.Items) == 0 {
		res.OverallConfidence = 0
	} else {
		res.OverallConfidence = total/len(res.Items) - 10*len(res.Clarifications)
		if res.OverallConfidence < 0 {
			res.OverallConfidence = 0
		}
	}

	res.NeedsClarification = len(res.Clarifications) > 0

	switch {
	case res.OverallConfidence >= s.cfg.AutoAcceptThreshold && !res.NeedsClarification:
		res.Decision = "accepted"
	case res.OverallConfidence >= s.cfg.NeedsReviewThreshold:
		res.Decision = "needs_clarification"
	default:
		res.Decision = "rejected"
	}

	res.Summary = s.summarize(res)
}

func (s *Service) summarize(res *Result) string {
	if len(res.Items) == 0 {
		return "We could not read any items from your order. Please send it as \"quantity unit product\", e.g. \"10 kg rice\"."
	}
	var parts []string
	for _, it := range res.Items {
		if it.ProductName == "" {
			parts = append(parts, fmt.Sprintf("%s (unmatched)", it.RawText))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s %s", it.NormalizedQty, it.NormalizedUnit, it.ProductName))
	}
	return strings.Join(parts, ", ")
}

func sessionStatus(res *Result) string {
	switch res.Decision {
	case "accepted":
		return "accepted"
	case "needs_clarification":
		return "awaiting_clarification"
	default:
		return "rejected"
	}
}

func productNames(products []*core.Product) []string {
	var out []string
	for _, p := range products {
		out = append(out, p.Name)
	}
	return out
}
