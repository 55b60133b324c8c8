package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/podushkina/hrchat/internal/llm"
	"github.com/podushkina/hrchat/internal/retry"
)

// UntranslatedMarker labels text passed through because no translation
// provider is configured.
const UntranslatedMarker = "[untranslated]"

var ErrNoTranslator = errors.New("no translation provider configured")

const translationCacheSize = 512

// Translator translates text with a language model. Every call is bounded
// by a timeout; Translate retries once with a longer one.
type Translator struct {
	provider llm.Provider
	model    string
	policy   retry.Policy
	quick    retry.Policy
	// cache holds successful translations keyed by target and text.
	cache *lru.Cache[string, string]
}

// NewTranslator returns a translator. A nil provider yields a translator
// whose calls fail with ErrNoTranslator.
func NewTranslator(p llm.Provider, model string, timeout, retryTimeout time.Duration) *Translator {
	cache, _ := lru.New[string, string](translationCacheSize)
	return &Translator{
		provider: p,
		model:    model,
		policy: retry.Policy{
			Attempts: 2,
			Delay:    500 * time.Millisecond,
			Timeouts: []time.Duration{timeout, retryTimeout},
		},
		quick: retry.Once(timeout),
		cache: cache,
	}
}

func cacheKey(text string, target Language) string {
	sum := sha256.Sum256([]byte(text))
	return string(target) + ":" + hex.EncodeToString(sum[:])
}

func (t *Translator) Available() bool { return t != nil && t.provider != nil }

// Translate translates text into target, retrying once with the longer
// timeout. On failure the original text is returned with the error so the
// caller can decide how to degrade.
func (t *Translator) Translate(ctx context.Context, text string, target Language) (string, error) {
	return t.translate(ctx, t.policy, text, target)
}

// TranslateQuick makes a single bounded attempt. It suits steps where the
// untranslated text is an acceptable fallback.
func (t *Translator) TranslateQuick(ctx context.Context, text string, target Language) (string, error) {
	return t.translate(ctx, t.quick, text, target)
}

func (t *Translator) translate(ctx context.Context, p retry.Policy, text string, target Language) (string, error) {
	if strings.TrimSpace(text) == "" || DetectLanguage(text) == target {
		return text, nil
	}
	if !t.Available() {
		return text, ErrNoTranslator
	}
	key := cacheKey(text, target)
	if out, ok := t.cache.Get(key); ok {
		return out, nil
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(
			"Translate the user's text into %s. Reply with the translation only, without labels, notes or quotes.",
			target.Name())},
		{Role: llm.RoleUser, Content: text},
	}
	out, err := retry.DoValue(ctx, p, func(ctx context.Context) (string, error) {
		return t.provider.Generate(ctx, messages, llm.Options{Model: t.model})
	})
	if err != nil {
		return text, fmt.Errorf("translate to %s: %w", target, err)
	}
	out = Clean(out)
	t.cache.Add(key, out)
	return out, nil
}

// PassThrough labels text that could not be translated.
func PassThrough(text string) string {
	return UntranslatedMarker + " " + text
}
