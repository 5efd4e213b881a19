// Package extractor turns candidate facts into SourcePointers under the
// verbatim-quote contract: a fact is accepted only when its exact quote
// occurs in the evidence text and its value occurs in that quote. Anything
// else is rejected with a reason code, persisted and counted.
package extractor

import (
	"math"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

// Candidate is a proposed fact before the quote contract is applied.
type Candidate struct {
	Domain         string  `json:"domain" yaml:"domain"`
	ValueType      string  `json:"value_type" yaml:"value_type"`
	ExtractedValue string  `json:"extracted_value" yaml:"extracted_value"`
	DisplayValue   string  `json:"display_value,omitempty" yaml:"display_value"`
	ExactQuote     string  `json:"exact_quote" yaml:"exact_quote"`
	Confidence     float64 `json:"confidence" yaml:"confidence"`
	Shape          string  `json:"shape,omitempty" yaml:"shape"`
}

var whitespace = regexp.MustCompile(`\s+`)

// fold makes quote matching insensitive to Unicode composition and
// whitespace layout only. Case and punctuation stay significant.
func fold(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(norm.NFC.String(s), " "))
}

// quoteOccurs reports whether quote appears verbatim in text.
func quoteOccurs(text, quote string) bool {
	if strings.Contains(text, quote) {
		return true
	}
	return strings.Contains(fold(text), fold(quote))
}

var plainNumber = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// writtenForms lists the ways a plain number may be written in source text:
// as extracted, with a decimal comma, and with dot or comma digit grouping.
func writtenForms(v string) []string {
	forms := []string{v}
	if !plainNumber.MatchString(v) {
		return forms
	}
	whole, frac, hasFrac := strings.Cut(v, ".")
	if hasFrac {
		forms = append(forms, whole+","+frac)
	}
	sign := ""
	if strings.HasPrefix(whole, "-") {
		sign, whole = "-", whole[1:]
	}
	if len(whole) <= 3 {
		return forms
	}
	var groups []string
	for len(whole) > 3 {
		groups = append([]string{whole[len(whole)-3:]}, groups...)
		whole = whole[:len(whole)-3]
	}
	groups = append([]string{whole}, groups...)
	dotted := sign + strings.Join(groups, ".")
	commas := sign + strings.Join(groups, ",")
	if hasFrac {
		dotted += "," + frac
		commas += "." + frac
	}
	return append(forms, dotted, commas)
}

// valueOccurs reports whether the extracted value is written in the quote.
// A display value, when given, must appear as well; it never stands in for
// the extracted value.
func valueOccurs(quote string, c Candidate) bool {
	q := fold(quote)
	if d := fold(c.DisplayValue); d != "" && !strings.Contains(q, d) {
		return false
	}
	for _, f := range writtenForms(c.ExtractedValue) {
		if f = fold(f); f != "" && strings.Contains(q, f) {
			return true
		}
	}
	return false
}

// Check applies the contract to one candidate against normalized evidence
// text. It returns the rejection reason, or "" when the candidate is valid.
func Check(text string, c Candidate) (model.RejectionReason, string) {
	if strings.TrimSpace(c.ExactQuote) == "" {
		return model.RejectEmptyQuote, "candidate carries no exact quote"
	}
	if math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
		return model.RejectInvalidConfidence, "confidence must be within [0,1]"
	}
	if !quoteOccurs(text, c.ExactQuote) {
		return model.RejectNoQuoteMatch, "exact quote not found in evidence text"
	}
	if !valueOccurs(c.ExactQuote, c) {
		return model.RejectValueNotInQuote, "extracted value does not appear in its quote"
	}
	return "", ""
}
