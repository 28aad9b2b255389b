// Package extract turns order images into plain text through a tiered
// provider chain: OCR first, then an LLM vision fallback, then a rule-based
// pass that at least salvages line structure. The chain never errors out as
// long as one tier produces text.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"wholesale_backend/internal/config"
	"wholesale_backend/internal/core"
	"wholesale_backend/pkg/httpclient"
	apperrors "wholesale_backend/pkg/errors"
)

// Tier names recorded on every extraction.
const (
	TierOCR       = "ocr"
	TierLLM       = "llm"
	TierRuleBased = "rule_based"
)

// Extractor implements core.IExtractor over the configured providers.
type Extractor struct {
	ocr    *httpclient.Client
	llm    *httpclient.Client
	cfg    config.ProvidersConfig
	logger core.ILogger
}

func New(cfg config.ProvidersConfig, logger core.ILogger) *Extractor {
	e := &Extractor{cfg: cfg, logger: logger}
	if cfg.OCRURL != "" {
		e.ocr = httpclient.NewClient(cfg.OCRURL, time.Duration(cfg.OCRTimeoutS)*time.Second, nil)
	}
	if cfg.LLMURL != "" {
		e.llm = httpclient.NewClient(cfg.LLMURL, time.Duration(cfg.LLMTimeoutS)*time.Second, nil)
	}
	return e
}

// Extract resolves input to plain text. For source "text" and "whatsapp" the
// input already is text and passes through. For "ocr" the input is an image
// URL driven through the tier chain.
func (e *Extractor) Extract(ctx context.Context, source, input string) (string, string, error) {
	if source != "ocr" {
		return input, source, nil
	}

	if e.ocr != nil {
		text, err := e.callOCR(ctx, input)
		if err == nil && strings.TrimSpace(text) != "" {
			return text, TierOCR, nil
		}
		e.logger.Warn("ocr tier failed, falling back", "image", input, "error", err)
	}

	if e.llm != nil {
		text, err := e.callLLM(ctx, input, e.cfg.LLMModel)
		if err != nil && e.cfg.LLMFallbackModel != "" {
			e.logger.Warn("llm primary model failed, trying fallback",
				"model", e.cfg.LLMModel, "error", err)
			text, err = e.callLLM(ctx, input, e.cfg.LLMFallbackModel)
		}
		if err == nil && strings.TrimSpace(text) != "" {
			return text, TierLLM, nil
		}
		e.logger.Warn("llm tier failed, falling back", "image", input, "error", err)
	}

	// last resort: no provider produced text. The rule-based tier can only
	// pass through whatever raw text came along with the upload.
	text := ruleBased(input)
	if text == "" {
		return "", "", fmt.Errorf("%w: all extraction tiers failed for %s", apperrors.ErrTransient, input)
	}
	return text, TierRuleBased, nil
}

func (e *Extractor) callOCR(ctx context.Context, imageURL string) (string, error) {
	resp, err := e.ocr.Post(ctx, "/v1/ocr", map[string]string{"image_url": imageURL})
	if err != nil {
		return "", err
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("failed to decode ocr response: %w", err)
	}
	return out.Text, nil
}

func (e *Extractor) callLLM(ctx context.Context, imageURL, model string) (string, error) {
	resp, err := e.llm.Post(ctx, "/v1/vision/extract", map[string]string{
		"image_url": imageURL,
		"model":     model,
		"prompt":    "Transcribe the order list in this image as plain text, one item per line.",
	})
	if err != nil {
		return "", err
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("failed to decode llm response: %w", err)
	}
	return out.Text, nil
}

var lineish = regexp.MustCompile(`[0-9]+[^,\n]*|[a-zA-Z][a-zA-Z ]+`)

// ruleBased salvages order-like fragments from raw text without any provider.
func ruleBased(input string) string {
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		return ""
	}
	frags := lineish.FindAllString(input, -1)
	var out []string
	for _, f := range frags {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return strings.Join(out, "\n")
}
