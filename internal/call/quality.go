package call

import (
	"time"

	"github.com/relaychat/realtime/internal/media"
)

// scoreQuality turns one stats sample into a 1-5 score. Each of RTT, jitter
// and packet loss costs up to a full point; the result is clamped to [1,5].
func scoreQuality(s media.Stats, at time.Time) Quality {
	score := 5.0

	switch {
	case s.RTTMs > 300:
		score -= 1.0
	case s.RTTMs > 150:
		score -= 0.5
	}

	switch {
	case s.JitterMs > 50:
		score -= 1.0
	case s.JitterMs > 30:
		score -= 0.5
	}

	switch {
	case s.PacketLoss > 0.05:
		score -= 1.0
	case s.PacketLoss > 0.02:
		score -= 0.5
	}

	if score < 1.0 {
		score = 1.0
	}
	if score > 5.0 {
		score = 5.0
	}

	return Quality{
		Score:      score,
		RTTMs:      s.RTTMs,
		JitterMs:   s.JitterMs,
		PacketLoss: s.PacketLoss,
		SampledAt:  at,
	}
}
