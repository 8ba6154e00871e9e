package orchestrator

import "github.com/christian-lee/broadcastpipeline/internal/llm"

// MomentumPolicy maps a momentum magnitude to the commentary register the
// Narrate stage should be steered toward. The exact cutoffs are tunable
// configuration, not a fixed contract; a broadcast producer retuning
// these should never need a code change.
type MomentumPolicy struct {
	HighMagnitude float64
}

func DefaultMomentumPolicy() MomentumPolicy {
	return MomentumPolicy{HighMagnitude: 1.0}
}

// PreferredKind selects the register by momentum: low reads as filler,
// medium as mixed, high as play-by-play.
func (p MomentumPolicy) PreferredKind(a llm.AnalysisResult) string {
	if a.Magnitude >= p.HighMagnitude {
		return "play_by_play"
	}
	if a.Magnitude >= p.HighMagnitude*0.4 {
		return "mixed"
	}
	return "filler"
}
