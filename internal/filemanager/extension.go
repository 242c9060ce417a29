package filemanager

import "github.com/nainya/reldb/internal/common"

// extensionState tracks the bounded recent-growth history an adaptive
// policy reasons from.
type extensionState struct {
	history []uint32 // pages added per extension, most recent last
}

func (s *extensionState) record(cfg common.FileManagerConfig, added uint32) {
	s.history = append(s.history, added)
	if len(s.history) > cfg.ExtensionHistoryCap {
		s.history = s.history[len(s.history)-cfg.ExtensionHistoryCap:]
	}
}

func (s *extensionState) averageRecent() uint32 {
	if len(s.history) == 0 {
		return 0
	}
	var sum uint64
	for _, h := range s.history {
		sum += uint64(h)
	}
	return uint32(sum / uint64(len(s.history)))
}

// planExtension computes how many pages to add to satisfy an allocation of
// at least need pages, given the configured growth policy (spec.md §4.1).
// The result is always >= need.
func planExtension(cfg common.FileManagerConfig, totalPages uint64, need uint32, state *extensionState) uint32 {
	var grow uint32

	switch cfg.Policy {
	case common.ExtensionFixed:
		grow = cfg.FixedGrowBlocks

	case common.ExtensionLinear:
		grow = uint32(float64(totalPages) * (cfg.LinearGrowFactor - 1))

	case common.ExtensionExponential:
		grow = uint32(totalPages)
		if grow == 0 {
			grow = 1
		}
		if grow > cfg.ExponentialCap {
			grow = cfg.ExponentialCap
		}

	case common.ExtensionAdaptive:
		// Below a small warm-up sample, behave like Linear; once enough
		// history exists, grow proportionally to recent demand so bursty
		// workloads pre-extend further ahead than steady ones.
		if len(state.history) < 3 {
			grow = uint32(float64(totalPages) * (cfg.LinearGrowFactor - 1))
		} else {
			grow = state.averageRecent() * 2
		}
		if grow > cfg.ExponentialCap {
			grow = cfg.ExponentialCap
		}

	default:
		grow = cfg.FixedGrowBlocks
	}

	if grow < need {
		grow = need
	}
	if grow == 0 {
		grow = need
	}
	return grow
}
