package planner

import (
	"fmt"
	"time"
)

// Tier sets the items-per-job budget for workloads smaller than Below.
// Below == 0 marks the unbounded last tier.
type Tier struct {
	Below       int `yaml:"below"`
	ItemsPerJob int `yaml:"items_per_job"`
}

// Policy is the versioned table of empirical constants the planner sizes jobs
// with. The defaults were measured with nixtract-nifti on ADHD200 and the
// fMRI development dataset using MIST64/MIST444: roughly 5s per subject and a
// memory peak near 500M that does not grow with batch size.
type Policy struct {
	Version       string        `yaml:"version"`
	PerItemCost   time.Duration `yaml:"per_item_cost"`
	SafetyFactor  int           `yaml:"safety_factor"`
	DefaultMemory string        `yaml:"default_memory"`
	Tiers         []Tier        `yaml:"tiers"`
}

// DefaultPolicy returns the current planning table.
func DefaultPolicy() Policy {
	return Policy{
		Version:       "2021.1",
		PerItemCost:   5 * time.Second,
		SafetyFactor:  2,
		DefaultMemory: "1G",
		Tiers: []Tier{
			{Below: 1000, ItemsPerJob: 50},
			{Below: 10000, ItemsPerJob: 200},
			{Below: 0, ItemsPerJob: 500},
		},
	}
}

// Validate checks that the table can size every workload.
func (p Policy) Validate() error {
	if p.PerItemCost <= 0 {
		return fmt.Errorf("policy %q: per_item_cost must be positive", p.Version)
	}
	if p.SafetyFactor < 1 {
		return fmt.Errorf("policy %q: safety_factor must be at least 1", p.Version)
	}
	if p.DefaultMemory == "" {
		return fmt.Errorf("policy %q: default_memory is required", p.Version)
	}
	if len(p.Tiers) == 0 {
		return fmt.Errorf("policy %q: at least one tier is required", p.Version)
	}

	prev := 0
	for i, t := range p.Tiers {
		if t.ItemsPerJob < 1 {
			return fmt.Errorf("policy %q: tiers[%d].items_per_job must be at least 1", p.Version, i)
		}
		last := i == len(p.Tiers)-1
		if t.Below == 0 {
			if !last {
				return fmt.Errorf("policy %q: only the last tier may be unbounded (tiers[%d])", p.Version, i)
			}
			continue
		}
		if t.Below <= prev {
			return fmt.Errorf("policy %q: tiers[%d].below must be greater than %d", p.Version, i, prev)
		}
		if last {
			return fmt.Errorf("policy %q: last tier must be unbounded (below: 0)", p.Version)
		}
		prev = t.Below
	}
	return nil
}

// ItemsPerJob returns the tier budget for a workload of n items.
func (p Policy) ItemsPerJob(n int) int {
	for _, t := range p.Tiers {
		if t.Below == 0 || n < t.Below {
			return t.ItemsPerJob
		}
	}
	return p.Tiers[len(p.Tiers)-1].ItemsPerJob
}

// Walltime is the padded time estimate for a job processing items inputs.
func (p Policy) Walltime(items int) time.Duration {
	return time.Duration(p.SafetyFactor*items) * p.PerItemCost
}

// throughput is the padded cost of one item.
func (p Policy) throughput() time.Duration {
	return time.Duration(p.SafetyFactor) * p.PerItemCost
}
