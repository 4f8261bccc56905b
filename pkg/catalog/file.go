package catalog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tally/pkg/billing"
)

// File is the on-disk plan catalog format
//
//	plans:
//	  - code: team
//	    name: Team
//	    amount_cents: 29900
//	    interval: month
//	    trial_days: 7
type File struct {
	Plans []billing.Plan `yaml:"plans"`
}

// PlanWriter persists plans with insert-if-absent semantics
type PlanWriter interface {
	EnsurePlans(ctx context.Context, plans []billing.Plan) (int, error)
}

// LoadFile parses and validates a plan catalog file
func LoadFile(path string) ([]billing.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a plan catalog document
func Parse(data []byte) ([]billing.Plan, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plan catalog: %w: %w", billing.ErrValidation, err)
	}

	seen := make(map[string]bool, len(f.Plans))
	for _, p := range f.Plans {
		if err := billing.ValidatePlan(p); err != nil {
			return nil, err
		}
		if seen[p.Code] {
			return nil, fmt.Errorf("plan %s listed twice: %w", p.Code, billing.ErrValidation)
		}
		seen[p.Code] = true
	}
	return f.Plans, nil
}

// Sync loads path and inserts plans that are not stored yet.
// It returns how many plans were added.
func Sync(ctx context.Context, w PlanWriter, path string) (int, error) {
	plans, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	return w.EnsurePlans(ctx, plans)
}
