package corpus

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	rePunctuation = regexp.MustCompile(`([.!?])`)
	reNonLetters  = regexp.MustCompile(`[^a-zA-Z.!?]+`)
)

// removeAccents decomposes text (NFD) and drops the non-spacing marks (accents).
func removeAccents(text string) (string, error) {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, err := transform.String(t, text)
	if err != nil {
		return "", errors.Wrapf(err, "failed to remove accents from %q", text)
	}
	return result, nil
}

// Normalize lower-cases text, strips accents, separates sentence punctuation (".!?") from
// the preceding word, and collapses every run of other non-letter characters into a single space.
//
// The result has no leading or trailing spaces.
func Normalize(text string) (string, error) {
	text, err := removeAccents(strings.ToLower(strings.TrimSpace(text)))
	if err != nil {
		return "", err
	}
	text = rePunctuation.ReplaceAllString(text, " $1")
	text = reNonLetters.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(text), " "), nil
}
