package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	singleStart = "<!--SINGLE_LANG_START-->"
	singleEnd   = "<!--SINGLE_LANG_END-->"
	dualStart   = "<!--DUAL_LANG_START-->"
	dualEnd     = "<!--DUAL_LANG_END-->"
)

var ErrNoEnvelope = errors.New("content has no envelope")

// Envelope is the self-describing wrapper persisted as output content. Only
// the single-language form is produced; the dual-language fields are kept so
// older outputs still parse.
type Envelope struct {
	DualLanguage       bool      `json:"dualLanguage"`
	Content            string    `json:"content"`
	Language           Language  `json:"language"`
	TranslationPending bool      `json:"translationPending"`
	FormattedAt        time.Time `json:"formattedAt"`
	ContentLength      int       `json:"contentLength"`

	Japanese       string `json:"japanese,omitempty"`
	Translated     string `json:"translated,omitempty"`
	TargetLanguage string `json:"targetLanguage,omitempty"`
}

// Text is the primary answer carried by the envelope.
func (e *Envelope) Text() string {
	if e.DualLanguage {
		return e.Japanese
	}
	return e.Content
}

// Format wraps content in a single-language envelope.
func Format(content string, lang Language, at time.Time) (string, error) {
	payload, err := json.Marshal(Envelope{
		Content:            content,
		Language:           lang,
		TranslationPending: true,
		FormattedAt:        at.UTC(),
		ContentLength:      utf8.RuneCountInString(content),
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return singleStart + "\n" + string(payload) + "\n" + singleEnd, nil
}

// Parse locates an envelope of either form inside raw.
func Parse(raw string) (*Envelope, error) {
	body, ok := between(raw, singleStart, singleEnd)
	if !ok {
		body, ok = between(raw, dualStart, dualEnd)
	}
	if !ok {
		return nil, ErrNoEnvelope
	}
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// PlainText returns the answer inside raw, or raw itself when it carries no
// envelope.
func PlainText(raw string) string {
	env, err := Parse(raw)
	if err != nil {
		return raw
	}
	return env.Text()
}

func between(s, start, end string) (string, bool) {
	i := strings.Index(s, start)
	if i < 0 {
		return "", false
	}
	rest := s[i+len(start):]
	j := strings.Index(rest, end)
	if j < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:j]), true
}
