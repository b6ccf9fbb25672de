package id

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// DefaultPlaceholderPattern matches ids handed out before a person is
// verified: first messaging contact (line_), walk-in guests (guest_) and
// spreadsheet rows that arrived without a registration number (tmp_).
const DefaultPlaceholderPattern = `^(tmp|guest|line)[-_:]`

// PlaceholderPrefix is used when intake has to mint an id
const PlaceholderPrefix = "tmp_"

// Kind represents the form of a person id
type Kind string

const (
	KindPlaceholder   Kind = "placeholder"
	KindAuthoritative Kind = "authoritative"
)

// Classifier tells placeholder ids from authoritative ones
type Classifier struct {
	placeholder *regexp.Regexp
}

// NewClassifier compiles the placeholder pattern. An empty pattern selects
// DefaultPlaceholderPattern.
func NewClassifier(pattern string) (*Classifier, error) {
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultPlaceholderPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid placeholder pattern %q: %w", pattern, err)
	}
	return &Classifier{placeholder: re}, nil
}

// MustClassifier is NewClassifier for patterns known at compile time
func MustClassifier(pattern string) *Classifier {
	c, err := NewClassifier(pattern)
	if err != nil {
		panic(err)
	}
	return c
}

// Kind classifies id. Blank ids count as placeholders.
func (c *Classifier) Kind(id string) Kind {
	id = strings.TrimSpace(id)
	if id == "" || c.placeholder.MatchString(id) {
		return KindPlaceholder
	}
	return KindAuthoritative
}

// IsPlaceholder reports whether id is in placeholder form
func (c *Classifier) IsPlaceholder(id string) bool {
	return c.Kind(id) == KindPlaceholder
}

// NewPlaceholder mints a fresh placeholder id
func NewPlaceholder() string {
	return PlaceholderPrefix + uuid.NewString()
}
