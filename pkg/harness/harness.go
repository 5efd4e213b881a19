package harness

import (
	"context"

	"github.com/Mindburn-Labs/regtruth/pkg/invariants"
)

// Report is the validator report with the heartbeat outcome attached.
type Report struct {
	*invariants.Report
	Heartbeat *HeartbeatResult `json:"heartbeat,omitempty"`
}

// Harness validates the invariants, then runs the heartbeat.
type Harness struct {
	validator *invariants.Validator
	heartbeat *Heartbeat
}

// New creates a Harness. A nil heartbeat skips the probe.
func New(v *invariants.Validator, hb *Heartbeat) *Harness {
	return &Harness{validator: v, heartbeat: hb}
}

// Run validates first so the heartbeat's synthetic records are not part of
// the checked state. A failed heartbeat downgrades GO to CONDITIONAL-GO.
func (h *Harness) Run(ctx context.Context) (*Report, error) {
	inv, err := h.validator.Run(ctx)
	if err != nil {
		return nil, err
	}
	report := &Report{Report: inv}
	if h.heartbeat == nil {
		return report, nil
	}

	hb, err := h.heartbeat.Run(ctx)
	if err != nil {
		report.Downgrade("heartbeat: " + err.Error())
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		return report, nil
	}
	report.Heartbeat = hb
	if !hb.OK {
		report.Downgrade("heartbeat: " + hb.Reason)
	}
	return report, nil
}
