package session

import (
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/channel"
)

// Mode names a transport strategy.
type Mode string

const (
	ModeRelay  Mode = "relay"
	ModeDirect Mode = "direct"
	ModeHybrid Mode = "hybrid"
)

// Strategy decides which channels a session needs, which one carries
// outbound audio and which ones deliver transcripts.
type Strategy interface {
	Mode() Mode
	Required() []channel.Kind
	AudioEgress() channel.Kind
	ResultSources() []channel.Kind
}

type strategy struct {
	mode     Mode
	required []channel.Kind
	egress   channel.Kind
	results  []channel.Kind
}

func (s strategy) Mode() Mode                    { return s.mode }
func (s strategy) Required() []channel.Kind      { return s.required }
func (s strategy) AudioEgress() channel.Kind     { return s.egress }
func (s strategy) ResultSources() []channel.Kind { return s.results }

// RelayOnly sends audio over the relay and receives transcripts on the
// relay's data path.
func RelayOnly() Strategy {
	return strategy{
		mode:     ModeRelay,
		required: []channel.Kind{channel.KindSession},
		egress:   channel.KindSession,
		results:  []channel.Kind{channel.KindSession},
	}
}

// DirectSocket streams audio chunks over the result channel alone.
func DirectSocket() Strategy {
	return strategy{
		mode:     ModeDirect,
		required: []channel.Kind{channel.KindResult},
		egress:   channel.KindResult,
		results:  []channel.Kind{channel.KindResult},
	}
}

// Hybrid sends audio over the relay and accepts transcripts from both
// channels.
func Hybrid() Strategy {
	return strategy{
		mode:     ModeHybrid,
		required: []channel.Kind{channel.KindSession, channel.KindResult},
		egress:   channel.KindSession,
		results:  []channel.Kind{channel.KindSession, channel.KindResult},
	}
}

func StrategyFor(mode string) (Strategy, error) {
	switch Mode(mode) {
	case ModeRelay:
		return RelayOnly(), nil
	case ModeDirect:
		return DirectSocket(), nil
	case ModeHybrid:
		return Hybrid(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", mode)
	}
}

func contains(kinds []channel.Kind, k channel.Kind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}
