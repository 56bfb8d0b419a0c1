package detector

import (
	"context"
	"fmt"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/reference"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/values"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
	"github.com/davidleathers/claims-fraud-engine/internal/service/history"
)

// Provider-outlier finding kinds
const (
	KindVolumeOutlier = "volume_outlier"
	KindAmountOutlier = "amount_outlier"
	KindRegistryRisk  = "registry_risk"
	KindRejectionRate = "rejection_rate"
)

// ProviderOutlier compares the billing provider with its specialty peers
// over a rolling window, and surfaces registry risk signals
type ProviderOutlier struct {
	cfg config.ProviderOutlierConfig
}

func NewProviderOutlier(cfg config.ProviderOutlierConfig) *ProviderOutlier {
	return &ProviderOutlier{cfg: cfg}
}

func (d *ProviderOutlier) Name() string { return fraud.DetectorProviderOutlier }

// windowActivity is a provider's claim count and mean claim total in a window
type windowActivity struct {
	claims int
	mean   float64
}

func (d *ProviderOutlier) Evaluate(_ context.Context, c *claim.Claim, view *history.View, snap *reference.Snapshot) ([]fraud.Finding, error) {
	if err := requireSnapshot(snap); err != nil {
		return nil, err
	}
	provider, ok := snap.Provider(c.ProviderID)
	if !ok {
		return nil, fmt.Errorf("provider %s missing from reference snapshot %s", c.ProviderID, snap.Version())
	}

	var findings []fraud.Finding
	findings = append(findings, d.peerOutliers(c, provider, snap, view)...)
	if f, ok := registryRisk(c, provider); ok {
		findings = append(findings, f)
	}
	if f, ok := d.rejectionRate(c, provider); ok {
		findings = append(findings, f)
	}
	return findings, nil
}

func (d *ProviderOutlier) peerOutliers(c *claim.Claim, provider reference.Provider, snap *reference.Snapshot, view *history.View) []fraud.Finding {
	window := values.Trailing(c.ServicePeriod().To, d.cfg.WindowDays)

	var volumes, means []float64
	for _, peer := range snap.ProvidersBySpecialty(provider.Specialty) {
		if peer.ID == provider.ID {
			continue
		}
		a := activity(asOf(c, view.FindByProvider(peer.ID, window)))
		volumes = append(volumes, float64(a.claims))
		if a.claims > 0 {
			means = append(means, a.mean)
		}
	}
	if len(volumes) < d.cfg.MinPeers {
		return nil
	}

	own := activity(asOf(c, view.FindByProvider(provider.ID, window)))
	var findings []fraud.Finding
	if f, ok := d.outlier(c, KindVolumeOutlier, "claim volume", float64(own.claims), volumes); ok {
		findings = append(findings, f)
	}
	if own.claims > 0 && len(means) >= d.cfg.MinPeers {
		if f, ok := d.outlier(c, KindAmountOutlier, "average claim amount", own.mean, means); ok {
			findings = append(findings, f)
		}
	}
	return findings
}

func (d *ProviderOutlier) outlier(c *claim.Claim, kind, label string, value float64, peers []float64) (fraud.Finding, bool) {
	stats := reference.StatsOf(peers)
	z, ok := stats.ZScore(value)
	if !ok || z <= d.cfg.ZThreshold {
		return fraud.Finding{}, false
	}
	sev := fraud.SeverityMedium
	if z > 2*d.cfg.ZThreshold {
		sev = fraud.SeverityHigh
	}
	return fraud.NewFinding(fraud.DetectorProviderOutlier, kind, sev, c,
		fmt.Sprintf("provider %s of %.2f is %.1f standard deviations above %d specialty peers over %d days",
			label, value, z, stats.Count, d.cfg.WindowDays)).
		WithValue("z", z).
		WithValue("value", value).
		WithValue("peer_mean", stats.Mean).
		WithValue("peers", float64(stats.Count)), true
}

func registryRisk(c *claim.Claim, p reference.Provider) (fraud.Finding, bool) {
	var sev fraud.Severity
	switch p.RiskLevel {
	case reference.RiskCritical:
		sev = fraud.SeverityHigh
	case reference.RiskHigh:
		sev = fraud.SeverityMedium
	default:
		return fraud.Finding{}, false
	}
	return fraud.NewFinding(fraud.DetectorProviderOutlier, KindRegistryRisk, sev, c,
		fmt.Sprintf("provider registry risk level is %s", p.RiskLevel)), true
}

func (d *ProviderOutlier) rejectionRate(c *claim.Claim, p reference.Provider) (fraud.Finding, bool) {
	if p.ClaimCount < d.cfg.RejectionMinClaims {
		return fraud.Finding{}, false
	}
	rate := p.RejectionRate()
	var sev fraud.Severity
	switch {
	case rate > d.cfg.RejectionMedium:
		sev = fraud.SeverityMedium
	case rate > d.cfg.RejectionLow:
		sev = fraud.SeverityLow
	default:
		return fraud.Finding{}, false
	}
	return fraud.NewFinding(fraud.DetectorProviderOutlier, KindRejectionRate, sev, c,
		fmt.Sprintf("provider rejection rate %.0f%% over %d claims", rate*100, p.ClaimCount)).
		WithValue("rejection_rate", rate), true
}

func activity(claims []*claim.Claim) windowActivity {
	var a windowActivity
	var sum float64
	for _, o := range claims {
		if o.Status == claim.StatusReversed {
			continue
		}
		a.claims++
		sum += o.Total().ToFloat64()
	}
	if a.claims > 0 {
		a.mean = sum / float64(a.claims)
	}
	return a
}
