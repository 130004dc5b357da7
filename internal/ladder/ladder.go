// Package ladder holds the follow-up discount schedule. The table is
// authoritative configuration data, including its non-monotonic tail
// (50% then 45%); it is never "corrected" in code.
package ladder

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Step struct {
	// Offset is measured from the campaign trigger (the payment request),
	// not from the previous step.
	Offset          time.Duration `yaml:"offset"`
	DiscountPercent int           `yaml:"discount_percent"`
}

// UnmarshalYAML accepts Go duration strings ("5m", "1h30m") for offsets.
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Offset          string `yaml:"offset"`
		DiscountPercent int    `yaml:"discount_percent"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	d, err := time.ParseDuration(raw.Offset)
	if err != nil {
		return fmt.Errorf("parse offset %q: %w", raw.Offset, err)
	}
	s.Offset = d
	s.DiscountPercent = raw.DiscountPercent
	return nil
}

type Ladder struct {
	Steps []Step `yaml:"steps"`
}

// Default is the canonical schedule the driver consults by followup index.
func Default() *Ladder {
	return &Ladder{Steps: []Step{
		{Offset: 5 * time.Minute, DiscountPercent: 5},
		{Offset: 10 * time.Minute, DiscountPercent: 10},
		{Offset: 15 * time.Minute, DiscountPercent: 15},
		{Offset: 20 * time.Minute, DiscountPercent: 20},
		{Offset: 25 * time.Minute, DiscountPercent: 30},
		{Offset: 30 * time.Minute, DiscountPercent: 40},
		{Offset: 35 * time.Minute, DiscountPercent: 50},
		{Offset: 40 * time.Minute, DiscountPercent: 45},
	}}
}

// LoadFile reads a YAML override. An empty path returns the default table.
func LoadFile(path string) (*Ladder, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l Ladder
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse ladder file %s: %w", path, err)
	}
	if len(l.Steps) == 0 {
		return nil, fmt.Errorf("ladder file %s has no steps", path)
	}
	for i, s := range l.Steps {
		if s.Offset <= 0 {
			return nil, fmt.Errorf("ladder step %d has non-positive offset", i)
		}
		if s.DiscountPercent < 0 || s.DiscountPercent > 100 {
			return nil, fmt.Errorf("ladder step %d has discount %d out of range", i, s.DiscountPercent)
		}
	}
	return &l, nil
}

func (l *Ladder) Len() int {
	return len(l.Steps)
}

// Step returns the schedule entry for index, or false when the ladder is
// exhausted.
func (l *Ladder) Step(index int) (Step, bool) {
	if index < 0 || index >= len(l.Steps) {
		return Step{}, false
	}
	return l.Steps[index], true
}

// AmountFor applies the step's discount to the base amount in cents,
// rounding half up.
func (l *Ladder) AmountFor(baseCents int64, index int) int64 {
	step, ok := l.Step(index)
	if !ok {
		return baseCents
	}
	return (baseCents*int64(100-step.DiscountPercent) + 50) / 100
}
