package invariants

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/regtruth/pkg/canonicalize"
)

// Validator runs checks in registration order.
type Validator struct {
	src     *Sources
	checks  map[string]Check
	ordered []string
	logger  *slog.Logger
	clock   func() time.Time
}

// NewValidator creates a validator over src with the default checks registered.
func NewValidator(src *Sources) *Validator {
	v := &Validator{
		src:    src,
		checks: make(map[string]Check),
		logger: slog.Default().With("component", "invariants"),
		clock:  time.Now,
	}
	for _, c := range DefaultChecks() {
		v.Register(c)
	}
	return v
}

// WithClock overrides the clock for deterministic testing.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// Register adds a check, replacing one with the same ID in place.
func (v *Validator) Register(c Check) {
	id := c.ID()
	if _, exists := v.checks[id]; !exists {
		v.ordered = append(v.ordered, id)
	}
	v.checks[id] = c
}

// Report is the machine-readable validator output.
type Report struct {
	RunID     string        `json:"run_id"`
	Timestamp time.Time     `json:"timestamp"`
	Verdict   Verdict       `json:"verdict"`
	Results   []*Result     `json:"results"`
	Failing   []string      `json:"failing,omitempty"`
	Partial   []string      `json:"partial,omitempty"`
	Notes     []string      `json:"notes,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Statuses maps invariant IDs to their status.
func (r *Report) Statuses() map[string]Status {
	out := make(map[string]Status, len(r.Results))
	for _, res := range r.Results {
		out[res.InvariantID] = res.Status
	}
	return out
}

// Downgrade turns a GO verdict into CONDITIONAL-GO and records why.
// NO-GO is never upgraded or changed.
func (r *Report) Downgrade(note string) {
	if r.Verdict == VerdictGo {
		r.Verdict = VerdictConditionalGo
	}
	r.Notes = append(r.Notes, note)
}

// Run executes every registered check. Only a cancelled context is an error;
// check failures are part of the report.
func (v *Validator) Run(ctx context.Context) (*Report, error) {
	start := v.clock()
	report := &Report{RunID: uuid.New().String(), Timestamp: start.UTC()}

	for _, id := range v.ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := v.checks[id]
		checkStart := v.clock()
		res := v.runOne(ctx, c)
		res.DurationMs = v.clock().Sub(checkStart).Milliseconds()
		report.Results = append(report.Results, res)

		switch res.Status {
		case StatusFail:
			report.Failing = append(report.Failing, id)
			v.logger.WarnContext(ctx, "invariant failed", "invariant", id, "reasons", res.Reasons)
		case StatusPartial:
			report.Partial = append(report.Partial, id)
			v.logger.InfoContext(ctx, "invariant partial", "invariant", id, "reasons", res.Reasons)
		}
	}

	report.Verdict = VerdictFor(report.Results)
	report.Duration = v.clock().Sub(start)
	v.logger.InfoContext(ctx, "invariants checked", "verdict", report.Verdict,
		"failing", len(report.Failing), "partial", len(report.Partial))
	return report, nil
}

func (v *Validator) runOne(ctx context.Context, c Check) (res *Result) {
	defer func() {
		if p := recover(); p != nil {
			res = newResult(c)
			res.fail(ReasonCheckPanic, fmt.Sprint(p))
		}
	}()
	return c.Run(ctx, v.src)
}

// VerdictFor is GO when every result passes, NO-GO when any fails and
// CONDITIONAL-GO otherwise.
func VerdictFor(results []*Result) Verdict {
	verdict := VerdictGo
	for _, r := range results {
		switch r.Status {
		case StatusFail:
			return VerdictNoGo
		case StatusPartial:
			verdict = VerdictConditionalGo
		}
	}
	return verdict
}

// IndexEntry references one file written by WriteReport.
type IndexEntry struct {
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

// Index is the 00_INDEX.json manifest.
type Index struct {
	RunID     string       `json:"run_id"`
	CreatedAt time.Time    `json:"created_at"`
	Entries   []IndexEntry `json:"entries"`
}

// WriteReport writes 01_SCORE.json with the report and 00_INDEX.json with
// its hash into dir/<date>/<run id>, returning that directory.
func WriteReport(dir string, report *Report) (string, error) {
	out := filepath.Join(dir, report.Timestamp.Format("2006-01-02"), report.RunID)
	if err := os.MkdirAll(out, 0750); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	score, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(out, "01_SCORE.json"), score, 0600); err != nil {
		return "", err
	}

	index := Index{
		RunID:     report.RunID,
		CreatedAt: report.Timestamp,
		Entries: []IndexEntry{{
			Path:      "01_SCORE.json",
			SHA256:    canonicalize.HashBytes(score),
			SizeBytes: int64(len(score)),
		}},
	}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(out, "00_INDEX.json"), data, 0600); err != nil {
		return "", err
	}
	return out, nil
}
