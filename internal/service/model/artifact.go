package model

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
)

// Member kinds
const (
	MemberLogistic = "logistic"
	MemberStump    = "stump"
)

// Artifact is an immutable, versioned ensemble. Members are evaluated on the
// same feature vector, averaged by weight and Platt-calibrated.
type Artifact struct {
	Version     string      `json:"version"`
	Features    []string    `json:"features"`
	Members     []Member    `json:"members"`
	Calibration Calibration `json:"calibration"`

	index map[string]int
}

// Member is a logistic regression or a decision stump
type Member struct {
	Kind   string  `json:"kind"`
	Weight float64 `json:"weight"`

	// logistic
	Intercept    float64            `json:"intercept,omitempty"`
	Coefficients map[string]float64 `json:"coefficients,omitempty"`
	Scaling      map[string]Scale   `json:"scaling,omitempty"`

	// stump
	Feature   string  `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Below     float64 `json:"below,omitempty"`
	Above     float64 `json:"above,omitempty"`
}

// Scale standardizes a feature before the logistic coefficient applies
type Scale struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Calibration maps the raw ensemble score s to 1/(1+exp(A*s+B))
type Calibration struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// ParseArtifact decodes and checks an artifact
func ParseArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding artifact: %w", err)
	}
	if err := a.init(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (a *Artifact) init() error {
	if a.Version == "" {
		return fmt.Errorf("artifact has no version")
	}
	if len(a.Members) == 0 {
		return fmt.Errorf("artifact %s has no members", a.Version)
	}
	if a.Calibration.A == 0 {
		return fmt.Errorf("artifact %s has a degenerate calibration", a.Version)
	}

	a.index = make(map[string]int, len(a.Features))
	for i, name := range a.Features {
		if _, dup := a.index[name]; dup {
			return fmt.Errorf("artifact %s lists feature %q twice", a.Version, name)
		}
		a.index[name] = i
	}

	for i, m := range a.Members {
		if m.Weight <= 0 {
			return fmt.Errorf("artifact %s member %d: weight must be positive", a.Version, i)
		}
		switch m.Kind {
		case MemberLogistic:
			for name := range m.Coefficients {
				if _, ok := a.index[name]; !ok {
					return fmt.Errorf("artifact %s member %d: unknown feature %q", a.Version, i, name)
				}
			}
			for name, s := range m.Scaling {
				if s.Std <= 0 {
					return fmt.Errorf("artifact %s member %d: non-positive std for %q", a.Version, i, name)
				}
			}
		case MemberStump:
			if _, ok := a.index[m.Feature]; !ok {
				return fmt.Errorf("artifact %s member %d: unknown feature %q", a.Version, i, m.Feature)
			}
		default:
			return fmt.Errorf("artifact %s member %d: unknown kind %q", a.Version, i, m.Kind)
		}
	}
	return nil
}

// CheckSchema fails unless the artifact's features equal schema in order
func (a *Artifact) CheckSchema(schema []string) error {
	if !slices.Equal(a.Features, schema) {
		return fmt.Errorf("artifact %s features %v do not match schema %v", a.Version, a.Features, schema)
	}
	return nil
}

// Predict returns the calibrated probability for x, which must follow the
// artifact's feature order.
func (a *Artifact) Predict(x []float64) (float64, error) {
	if len(x) != len(a.Features) {
		return 0, fmt.Errorf("feature vector has %d values, artifact %s expects %d", len(x), a.Version, len(a.Features))
	}

	var sum, weights float64
	for _, m := range a.Members {
		sum += m.Weight * a.member(m, x)
		weights += m.Weight
	}
	raw := sum / weights

	p := 1 / (1 + math.Exp(a.Calibration.A*raw+a.Calibration.B))
	if math.IsNaN(p) {
		return 0, fmt.Errorf("artifact %s produced NaN", a.Version)
	}
	return p, nil
}

func (a *Artifact) member(m Member, x []float64) float64 {
	switch m.Kind {
	case MemberLogistic:
		z := m.Intercept
		// iterate in schema order so float summation is reproducible
		for i, name := range a.Features {
			coef, ok := m.Coefficients[name]
			if !ok {
				continue
			}
			v := x[i]
			if s, ok := m.Scaling[name]; ok {
				v = (v - s.Mean) / s.Std
			}
			z += coef * v
		}
		return 1 / (1 + math.Exp(-z))
	case MemberStump:
		if x[a.index[m.Feature]] <= m.Threshold {
			return m.Below
		}
		return m.Above
	}
	return 0
}
