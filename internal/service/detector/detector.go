package detector

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/reference"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/claims-fraud-engine/internal/metrics"
	"github.com/davidleathers/claims-fraud-engine/internal/service/history"
)

// Detector evaluates one claim version against a point-in-time history view
// and the reference snapshot the engine resolved for that claim.
// Implementations must not mutate the claim, the view or the snapshot.
type Detector interface {
	Name() string
	Evaluate(ctx context.Context, c *claim.Claim, view *history.View, snap *reference.Snapshot) ([]fraud.Finding, error)
}

// Result is the combined output of a detector run
type Result struct {
	Findings []fraud.Finding
	Outcomes []fraud.Outcome
}

// Set runs a closed set of detectors concurrently
type Set struct {
	detectors []Detector
	metrics   *metrics.Registry
	logger    *zap.Logger
}

// NewSet creates a set over the given detectors. Names must be unique.
func NewSet(logger *zap.Logger, reg *metrics.Registry, detectors ...Detector) (*Set, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := make(map[string]struct{}, len(detectors))
	for _, d := range detectors {
		if _, dup := seen[d.Name()]; dup {
			return nil, fmt.Errorf("detector %q registered twice", d.Name())
		}
		seen[d.Name()] = struct{}{}
	}
	return &Set{detectors: detectors, metrics: reg, logger: logger}, nil
}

// NewDefaultSet wires the four standard detectors from configuration
func NewDefaultSet(cfg *config.Config, logger *zap.Logger, reg *metrics.Registry) (*Set, error) {
	return NewSet(logger, reg,
		NewDuplicate(cfg.History, cfg.Detectors.Duplicate),
		NewPhantomPatient(cfg.Detectors.Phantom),
		NewUpcoding(cfg.Detectors.Upcoding),
		NewProviderOutlier(cfg.Detectors.ProviderOutlier),
	)
}

// Names lists the detectors in registration order
func (s *Set) Names() []string {
	out := make([]string, len(s.detectors))
	for i, d := range s.detectors {
		out[i] = d.Name()
	}
	return out
}

// Run evaluates every detector in parallel. A detector that errors or panics
// is recorded as degraded and contributes no findings; it never fails the run.
func (s *Set) Run(ctx context.Context, c *claim.Claim, view *history.View, snap *reference.Snapshot) Result {
	type slot struct {
		findings []fraud.Finding
		err      error
	}
	slots := make([]slot, len(s.detectors))

	var wg sync.WaitGroup
	for i, d := range s.detectors {
		wg.Add(1)
		go func(i int, d Detector) {
			defer wg.Done()
			slots[i].findings, slots[i].err = s.evaluate(ctx, d, c, view, snap)
		}(i, d)
	}
	wg.Wait()

	logger := telemetry.WithTrace(ctx, s.logger)
	var res Result
	for i, d := range s.detectors {
		out := fraud.Outcome{Component: d.Name(), Status: fraud.OutcomeSucceeded}
		if err := slots[i].err; err != nil {
			out.Status = fraud.OutcomeDegraded
			out.Error = err.Error()
			s.metrics.RecordDegraded(ctx, d.Name())
			logger.Warn("detector degraded",
				zap.String("detector", d.Name()),
				zap.String("claim_id", c.ID.String()),
				zap.Error(err))
		} else {
			for _, f := range slots[i].findings {
				s.metrics.RecordFinding(ctx, f.Detector, string(f.Severity))
			}
			res.Findings = append(res.Findings, slots[i].findings...)
		}
		res.Outcomes = append(res.Outcomes, out)
	}

	fraud.SortFindings(res.Findings)
	sort.Slice(res.Outcomes, func(i, j int) bool {
		return res.Outcomes[i].Component < res.Outcomes[j].Component
	})
	return res
}

func (s *Set) evaluate(ctx context.Context, d Detector, c *claim.Claim, view *history.View, snap *reference.Snapshot) (findings []fraud.Finding, err error) {
	ctx, span := telemetry.StartSpan(ctx, "detector."+d.Name())
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("detector panicked",
				zap.String("detector", d.Name()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			findings = nil
			err = errors.NewDetectorError(d.Name(), fmt.Sprintf("panic: %v", r))
		}
		if err != nil {
			telemetry.RecordError(span, err)
		}
		s.metrics.RecordStage(ctx, "detector."+d.Name(), time.Since(start))
	}()

	findings, err = d.Evaluate(ctx, c, view, snap)
	if err != nil {
		return nil, errors.NewDetectorError(d.Name(), "evaluation failed").WithCause(err)
	}
	for _, f := range findings {
		if f.ClaimID != c.ID {
			return nil, errors.NewDetectorError(d.Name(),
				fmt.Sprintf("finding references claim %s, expected %s", f.ClaimID, c.ID))
		}
	}
	return findings, nil
}

// requireSnapshot guards detectors that resolve reference data
func requireSnapshot(snap *reference.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("no reference snapshot supplied")
	}
	return nil
}

// prior reports whether other was accepted before c. A claim not yet in the
// index has version 0 and everything visible precedes it.
func prior(other, c *claim.Claim) bool {
	return c.Version == 0 || other.Version < c.Version
}

// asOf keeps the claims accepted before c, plus c itself when it is already
// in the view, so a rescore at a later head sees the same history
func asOf(c *claim.Claim, claims []*claim.Claim) []*claim.Claim {
	out := make([]*claim.Claim, 0, len(claims))
	for _, o := range claims {
		if o.ID == c.ID || prior(o, c) {
			out = append(out, o)
		}
	}
	return out
}
