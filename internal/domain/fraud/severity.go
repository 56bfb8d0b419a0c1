package fraud

import "fmt"

// Severity of a single detector finding
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank 0
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func (s Severity) Valid() bool { return s.Rank() > 0 }

// AtLeast reports whether s is as severe as other
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Escalate returns the next severity up, capped at critical
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

func ParseSeverity(v string) (Severity, error) {
	s := Severity(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// Severities lists all severities from lowest to highest
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Tier is the review priority assigned to a verdict
type Tier string

const (
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

func (t Tier) Rank() int {
	switch t {
	case TierLow:
		return 1
	case TierMedium:
		return 2
	case TierHigh:
		return 3
	case TierCritical:
		return 4
	}
	return 0
}

func (t Tier) Valid() bool { return t.Rank() > 0 }

// HigherThan reports whether t strictly outranks other
func (t Tier) HigherThan(other Tier) bool {
	return t.Rank() > other.Rank()
}

func (t Tier) AtLeast(other Tier) bool {
	return t.Rank() >= other.Rank()
}

func ParseTier(v string) (Tier, error) {
	t := Tier(v)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", v)
	}
	return t, nil
}
