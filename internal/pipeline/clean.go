package pipeline

import (
	"regexp"
	"strings"

	"golang.org/x/text/width"
)

var (
	codeFence   = regexp.MustCompile("(?m)^\\s*```[a-zA-Z]*\\s*$")
	heading     = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	emphasis    = regexp.MustCompile(`(\*\*|__)(.+?)(\*\*|__)`)
	langLabel   = regexp.MustCompile(`(?im)^\s*[\[(]?(japanese|english|日本語|英語|translation|翻訳)[\])]?\s*[:：]\s*`)
	blankBlocks = regexp.MustCompile(`\n{3,}`)
)

// Clean strips markdown artifacts and leaked language labels from model
// output and folds fullwidth ASCII to its narrow form. Katakana is left as is.
func Clean(text string) string {
	text = codeFence.ReplaceAllString(text, "")
	text = heading.ReplaceAllString(text, "")
	text = emphasis.ReplaceAllString(text, "$2")
	text = langLabel.ReplaceAllString(text, "")
	text = width.Fold.String(text)
	text = blankBlocks.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
