package search

import (
	"errors"
	"strings"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// Strategy selects how candidates are found and scored.
type Strategy string

const (
	StrategyVector    Strategy = "vector"
	StrategyText      Strategy = "text"
	StrategyComposite Strategy = "composite"
)

// ParseStrategy accepts the strategy names case-insensitively. An empty
// name selects composite.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyComposite, "hybrid":
		return StrategyComposite, nil
	case StrategyVector, "semantic":
		return StrategyVector, nil
	case StrategyText, "keyword", "fulltext":
		return StrategyText, nil
	}
	return "", model.Invalid("strategy", "must be one of vector, text, composite")
}

// Config holds engine-wide defaults, usually from the "search" config
// section.
type Config struct {
	DefaultLimit int     `json:"default_limit"`
	MaxLimit     int     `json:"max_limit"`
	Threshold    float64 `json:"threshold"`
	VectorWeight float64 `json:"vector_weight"`
	TextWeight   float64 `json:"text_weight"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 10
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 100
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.3
	}
	if c.VectorWeight <= 0 && c.TextWeight <= 0 {
		c.VectorWeight, c.TextWeight = 0.7, 0.3
	}
}

// Options tune one search. Zero values take the engine defaults.
type Options struct {
	Strategy     Strategy     `json:"strategy,omitempty"`
	Limit        int          `json:"limit,omitempty"`
	Threshold    *float64     `json:"threshold,omitempty"`
	VectorWeight *float64     `json:"vector_weight,omitempty"`
	TextWeight   *float64     `json:"text_weight,omitempty"`
	Filter       model.Filter `json:"filter"`
}

// resolved is Options with every default applied.
type resolved struct {
	strategy     Strategy
	limit        int
	threshold    float64
	vectorWeight float64
	textWeight   float64
	filter       model.Filter
}

// pool is how many candidates each signal contributes before merging.
func (r resolved) pool() int {
	if n := r.limit * 5; n > 50 {
		return n
	}
	return 50
}

func (c Config) resolve(o Options) (resolved, error) {
	strategy, err := ParseStrategy(string(o.Strategy))
	if err != nil {
		return resolved{}, err
	}
	r := resolved{
		strategy:     strategy,
		limit:        o.Limit,
		threshold:    c.Threshold,
		vectorWeight: c.VectorWeight,
		textWeight:   c.TextWeight,
		filter:       o.Filter,
	}
	ve := &model.ValidationError{}
	if r.limit <= 0 {
		r.limit = c.DefaultLimit
	}
	if r.limit > c.MaxLimit {
		r.limit = c.MaxLimit
	}
	if o.Threshold != nil {
		if *o.Threshold < 0 || *o.Threshold > 1 {
			ve.Add("threshold", "must be between 0 and 1")
		}
		r.threshold = *o.Threshold
	}
	if o.VectorWeight != nil {
		r.vectorWeight = *o.VectorWeight
	}
	if o.TextWeight != nil {
		r.textWeight = *o.TextWeight
	}
	if r.vectorWeight < 0 || r.textWeight < 0 {
		ve.Add("weights", "must not be negative")
	} else if r.vectorWeight+r.textWeight == 0 {
		ve.Add("weights", "must not both be zero")
	}
	if err := r.filter.Validate(); err != nil {
		var fe *model.ValidationError
		if errors.As(err, &fe) {
			ve.Fields = append(ve.Fields, fe.Fields...)
		} else {
			return resolved{}, err
		}
	}
	if err := ve.OrNil(); err != nil {
		return resolved{}, err
	}
	return r, nil
}
