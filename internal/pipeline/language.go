package pipeline

import (
	"unicode"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Language is a response language code.
type Language string

const (
	Japanese Language = "ja"
	English  Language = "en"
)

// cjkThreshold is the share of CJK-script runes above which text is Japanese.
const cjkThreshold = 0.05

// DetectLanguage classifies text as Japanese when at least 5% of its runes
// are Hiragana, Katakana or Han. Empty text is English.
func DetectLanguage(text string) Language {
	var total, cjk int
	for _, r := range text {
		total++
		if unicode.In(r, unicode.Hiragana, unicode.Katakana, unicode.Han) {
			cjk++
		}
	}
	if total == 0 {
		return English
	}
	if float64(cjk)/float64(total) >= cjkThreshold {
		return Japanese
	}
	return English
}

// ParseLanguage normalizes a BCP 47 tag or code to its base language.
// Unknown input falls back to English.
func ParseLanguage(s string) Language {
	tag, err := language.Parse(s)
	if err != nil {
		return English
	}
	base, _ := tag.Base()
	return Language(base.String())
}

// Name is the English display name used in model instructions.
func (l Language) Name() string {
	tag, err := language.Parse(string(l))
	if err != nil {
		return string(l)
	}
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return string(l)
}
