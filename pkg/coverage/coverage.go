// Package coverage decides whether a rule's citations cover the shapes its
// content type calls for. Publication requires score >= MinScore with no
// required shape missing, regardless of who signed off.
package coverage

import (
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

// ContentType classifies what kind of regulatory content a rule captures.
type ContentType string

const (
	Logic        ContentType = "LOGIC"
	Process      ContentType = "PROCESS"
	Reference    ContentType = "REFERENCE"
	Document     ContentType = "DOCUMENT"
	Transitional ContentType = "TRANSITIONAL"
	Mixed        ContentType = "MIXED"
)

// MinScore is the lowest coverage score that may be published.
const MinScore = 0.8

// Requirement lists the shapes expected for a content type and which of them are mandatory.
type Requirement struct {
	Expected []string
	Required []string
}

var requirements = map[ContentType]Requirement{
	Logic:        {Expected: []string{"threshold", "condition", "outcome"}, Required: []string{"threshold", "condition"}},
	Process:      {Expected: []string{"step", "deadline", "actor"}, Required: []string{"step"}},
	Reference:    {Expected: []string{"reference", "identifier"}, Required: []string{"reference"}},
	Document:     {Expected: []string{"form", "field", "deadline"}, Required: []string{"form"}},
	Transitional: {Expected: []string{"effective_date", "previous_value", "new_value"}, Required: []string{"effective_date", "new_value"}},
	Mixed:        {Expected: []string{"threshold", "condition", "step", "reference"}, Required: []string{"condition"}},
}

// Known reports whether ct is a recognised content type.
func Known(ct string) bool {
	_, ok := requirements[ContentType(ct)]
	return ok
}

// RequirementFor returns the shape requirement of ct.
func RequirementFor(ct ContentType) (Requirement, bool) {
	r, ok := requirements[ct]
	return r, ok
}

// Report is the outcome of a coverage evaluation.
type Report struct {
	ContentType     ContentType `json:"content_type"`
	Score           float64     `json:"score"`
	Present         []string    `json:"present"`
	Missing         []string    `json:"missing,omitempty"`
	MissingRequired []string    `json:"missing_required,omitempty"`
	Pass            bool        `json:"pass"`
}

// Evaluate scores the shapes carried by a rule's pointers against its content type.
func Evaluate(ct ContentType, pointers []*model.SourcePointer, minScore float64) (*Report, error) {
	req, ok := requirements[ct]
	if !ok {
		return nil, fmt.Errorf("coverage: unknown content type %q", ct)
	}
	if minScore < MinScore {
		minScore = MinScore
	}

	have := make(map[string]bool, len(pointers))
	for _, p := range pointers {
		if p.Shape != "" {
			have[p.Shape] = true
		}
	}

	r := &Report{ContentType: ct}
	for _, s := range req.Expected {
		if have[s] {
			r.Present = append(r.Present, s)
		} else {
			r.Missing = append(r.Missing, s)
		}
	}
	for _, s := range req.Required {
		if !have[s] {
			r.MissingRequired = append(r.MissingRequired, s)
		}
	}
	sort.Strings(r.Present)
	sort.Strings(r.Missing)
	sort.Strings(r.MissingRequired)

	r.Score = float64(len(r.Present)) / float64(len(req.Expected))
	r.Pass = r.Score >= minScore && len(r.MissingRequired) == 0
	return r, nil
}

var classifyOrder = []ContentType{Logic, Process, Reference, Document, Transitional, Mixed}

// Classify picks the content type the pointers cover best among those they
// would pass. It returns false when no type passes.
func Classify(pointers []*model.SourcePointer) (ContentType, bool) {
	var (
		best  ContentType
		score float64
	)
	for _, ct := range classifyOrder {
		rep, err := Evaluate(ct, pointers, MinScore)
		if err != nil || !rep.Pass {
			continue
		}
		if best == "" || rep.Score > score {
			best, score = ct, rep.Score
		}
	}
	return best, best != ""
}
