package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
	"github.com/davidleathers/claims-fraud-engine/internal/service/normalizer"
	"github.com/davidleathers/claims-fraud-engine/internal/service/scoring"
)

// maxLineBytes bounds one raw claim line (500 lines of JSON fits easily)
const maxLineBytes = 4 << 20

// result is one JSON line of scorer output
type result struct {
	ClaimID     string         `json:"claim_id,omitempty"`
	ClaimNumber string         `json:"claim_number,omitempty"`
	Version     uint64         `json:"version,omitempty"`
	Verdict     *fraud.Verdict `json:"verdict,omitempty"`
	Decision    string         `json:"decision,omitempty"`
	CaseID      string         `json:"case_id,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	Stale       bool           `json:"stale_reference,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// submitAll appends and scores each raw claim in input order. Invalid lines
// are reported and skipped; the run stops only on cancellation or write errors.
func submitAll(ctx context.Context, engine *scoring.Engine, in io.Reader, out io.Writer, logger *zap.Logger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	enc := json.NewEncoder(out)

	var ok, failed int
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		start := time.Now()
		res := submitLine(ctx, engine, []byte(text))
		if res.Error != "" {
			failed++
			recordClaim("failed", time.Since(start))
			logger.Warn("claim rejected", zap.Int("line", line), zap.String("error", res.Error))
		} else {
			ok++
			recordClaim("scored", time.Since(start))
			recordVerdict(string(res.Verdict.Tier), res.Decision)
			historyHead.Set(float64(res.Version))
		}
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("writing result: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	logger.Info("submission finished", zap.Int("scored", ok), zap.Int("failed", failed))
	return nil
}

func submitLine(ctx context.Context, engine *scoring.Engine, raw []byte) result {
	var rc normalizer.RawClaim
	if err := json.Unmarshal(raw, &rc); err != nil {
		return result{Error: "malformed claim: " + err.Error()}
	}

	sub, err := engine.Submit(ctx, rc)
	if sub == nil {
		return result{ClaimNumber: rc.ClaimNumber, Error: err.Error()}
	}

	res := result{
		ClaimID:     sub.Claim.ID.String(),
		ClaimNumber: sub.Claim.ClaimNumber,
		Version:     sub.Claim.Version,
		Verdict:     sub.Verdict,
		Decision:    string(sub.Decision),
		Stale:       sub.Stale,
	}
	if sub.Case != nil {
		res.CaseID = sub.Case.ID.String()
	}
	for _, w := range sub.Warnings {
		res.Warnings = append(res.Warnings, w.String())
	}
	if err != nil {
		// the verdict stands; only case emission failed
		res.Error = err.Error()
	}
	return res
}

// rescore runs one batch job over the claim IDs in input
func rescore(ctx context.Context, pool *scoring.WorkerPool, in io.Reader, out io.Writer, asOf uint64, ruleOnly, emit bool, logger *zap.Logger) error {
	var ids []uuid.UUID
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		id, err := uuid.Parse(text)
		if err != nil {
			return fmt.Errorf("invalid claim id %q: %w", text, err)
		}
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	report, runErr := pool.Run(ctx, scoring.BatchJob{
		ID:          uuid.New(),
		ClaimIDs:    ids,
		AsOfVersion: asOf,
		RuleOnly:    ruleOnly,
		Emit:        emit,
	})
	if report == nil {
		return runErr
	}

	enc := json.NewEncoder(out)
	for _, item := range report.Items {
		res := result{ClaimID: item.ClaimID.String(), Verdict: item.Verdict, Decision: string(item.Decision)}
		if item.Verdict != nil {
			res.Version = item.Verdict.ClaimVersion
			recordVerdict(string(item.Verdict.Tier), res.Decision)
		}
		if item.Err != nil {
			res.Error = item.Err.Error()
		}
		claimsProcessed.WithLabelValues(item.Result).Inc()
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("writing result: %w", err)
		}
	}

	logger.Info("rescore finished",
		zap.String("job_id", report.JobID.String()),
		zap.Uint64("as_of_version", report.AsOfVersion),
		zap.Int("scored", report.Scored),
		zap.Int("failed", report.Failed),
		zap.Int("cancelled", report.Cancelled),
		zap.Duration("duration", report.Duration))
	return runErr
}
