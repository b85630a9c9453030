package defaults

import (
	"fmt"

	"github.com/sahib/config"
)

func decayFactorValidator() func(val interface{}) error {
	return func(val interface{}) error {
		f, ok := val.(float64)
		if !ok {
			return fmt.Errorf("decay factor must be a float")
		}

		if f <= 0 || f >= 1 {
			return fmt.Errorf("decay factor must be in (0, 1): %f", f)
		}

		return nil
	}
}

// DefaultsV0 is the default config validation for the cache subsystem.
var DefaultsV0 = config.DefaultMapping{
	"cache": config.DefaultMapping{
		"total_memory_budget": config.DefaultEntry{
			Default:      64 * 1024 * 1024,
			NeedsRestart: false,
			Docs:         "Total number of bytes granted to all cache tiers together.",
		},
		"per_tier_floor": config.DefaultEntry{
			Default:      1024 * 1024,
			NeedsRestart: false,
			Docs:         "Minimum number of bytes any active tier keeps, no matter the workload.",
		},
		"rebalance_interval": config.DefaultEntry{
			Default:      "3s",
			NeedsRestart: true,
			Docs:         "How often capacity is re-partitioned over the tiers.",
			Validator:    config.DurationValidator(),
		},
		"decay_factor": config.DefaultEntry{
			Default:      0.9,
			NeedsRestart: true,
			Docs:         "Scale applied to accumulated workload counters on every snapshot, so recent behavior dominates.",
			Validator:    decayFactorValidator(),
		},
		"ghost_entries": config.DefaultEntry{
			Default:      4096,
			NeedsRestart: true,
			Docs:         "How many recently evicted page IDs each tier remembers for sizing feedback.",
			Validator:    config.IntRangeValidator(1, 1024*1024),
		},
		"shared": config.DefaultMapping{
			"shards": config.DefaultEntry{
				Default:      8,
				NeedsRestart: true,
				Docs:         "Lock stripes of the shared tier. Rounded up to a power of two.",
				Validator:    config.IntRangeValidator(1, 1024),
			},
		},
		"disk": config.DefaultMapping{
			"flush_interval": config.DefaultEntry{
				Default:      "2s",
				NeedsRestart: true,
				Docs:         "How often the background flusher writes staged pages to the store.",
				Validator:    config.DurationValidator(),
			},
			"compress": config.DefaultEntry{
				Default:      true,
				NeedsRestart: true,
				Docs:         "Snappy-compress staged pages. Cheaper buffers, slightly more CPU.",
			},
		},
		"metrics": config.DefaultMapping{
			"enabled": config.DefaultEntry{
				Default:      false,
				NeedsRestart: true,
				Docs:         "Whether the read-only metrics endpoint should be served.",
			},
			"port": config.DefaultEntry{
				Default:      6222,
				NeedsRestart: true,
				Docs:         "On what port the metrics endpoint runs.",
				Validator:    config.IntRangeValidator(1, 65535),
			},
		},
	},
}
