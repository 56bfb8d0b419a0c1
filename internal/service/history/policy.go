package history

import "github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"

// SimilarityPolicy controls what FindSimilar treats as a near-match
type SimilarityPolicy struct {
	Name string
	// WindowDays is the allowed distance between service days. 0 means same day.
	WindowDays int
	// SameProvider restricts matches to the claim's provider
	SameProvider bool
	// MinProcedureOverlap is the minimum count of matching lines
	MinProcedureOverlap int
	// IncludeSuperseded also returns versions no longer current
	IncludeSuperseded bool
}

const (
	PolicyStrict = "strict"
	PolicyFuzzy  = "fuzzy"
)

// StrictPolicy matches same patient, provider, procedure and service day
func StrictPolicy(cfg config.SimilarityConfig) SimilarityPolicy {
	return fromConfig(PolicyStrict, cfg)
}

// FuzzyPolicy matches same patient and procedure within a window, any provider
func FuzzyPolicy(cfg config.SimilarityConfig) SimilarityPolicy {
	return fromConfig(PolicyFuzzy, cfg)
}

func fromConfig(name string, cfg config.SimilarityConfig) SimilarityPolicy {
	p := SimilarityPolicy{
		Name:                name,
		WindowDays:          cfg.WindowDays,
		SameProvider:        cfg.SameProvider,
		MinProcedureOverlap: cfg.MinProcedureOverlap,
	}
	if p.MinProcedureOverlap < 1 {
		p.MinProcedureOverlap = 1
	}
	if p.WindowDays < 0 {
		p.WindowDays = 0
	}
	return p
}

// queryOptions tune patient and provider lookups
type queryOptions struct {
	includeSuperseded bool
}

type QueryOption func(*queryOptions)

// WithSuperseded includes versions superseded as of the view, for audit
func WithSuperseded() QueryOption {
	return func(o *queryOptions) { o.includeSuperseded = true }
}

func buildOptions(opts []QueryOption) queryOptions {
	var o queryOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
