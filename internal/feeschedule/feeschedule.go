// Package feeschedule implements the injected fee function the spec calls
// out as a policy input (§9): the ledger core never hardcodes a rate, it
// calls a FeeFunc so boosted/tiered pricing can change without touching
// money or ledger code.
package feeschedule

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Sebdysart/hustlexp-ledger/internal/store"
)

// FeeFunc computes the platform fee, in cents, for a task event. context
// carries event-specific overrides (e.g. a dispute split ratio); most
// schedules ignore it and key only on the task.
type FeeFunc func(task store.Task, context map[string]interface{}) int64

// overlay is the optional YAML shape read from FEE_SCHEDULE_PATH: per-category
// basis-point overrides on top of a default rate.
type overlay struct {
	DefaultBPS int64            `yaml:"default_bps"`
	ByCategory map[string]int64 `yaml:"by_category"`
}

// Flat returns a FeeFunc charging a constant basis-point rate on the task's
// price, truncated down to the cent (never rounds in the platform's favor
// beyond the stated rate).
func Flat(bps int64) FeeFunc {
	return func(task store.Task, _ map[string]interface{}) int64 {
		return task.PriceCents * bps / 10000
	}
}

// Load builds a FeeFunc from an optional YAML overlay file layered over a
// flat default rate. An empty path returns the flat schedule unchanged.
func Load(path string, defaultBPS int64) (FeeFunc, error) {
	if path == "" {
		return Flat(defaultBPS), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feeschedule: read %s: %w", path, err)
	}
	var ov overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return nil, fmt.Errorf("feeschedule: parse %s: %w", path, err)
	}
	if ov.DefaultBPS == 0 {
		ov.DefaultBPS = defaultBPS
	}
	return func(task store.Task, _ map[string]interface{}) int64 {
		bps := ov.DefaultBPS
		if override, ok := ov.ByCategory[task.Category]; ok {
			bps = override
		}
		return task.PriceCents * bps / 10000
	}, nil
}
