package call

import (
	"testing"
	"time"

	"github.com/relaychat/realtime/internal/media"
)

func TestScoreQuality(t *testing.T) {
	at := time.Unix(1000, 0)
	cases := []struct {
		name  string
		stats media.Stats
		want  float64
	}{
		{"perfect link", media.Stats{RTTMs: 20, JitterMs: 5, PacketLoss: 0}, 5.0},
		{"high rtt only", media.Stats{RTTMs: 400, JitterMs: 10, PacketLoss: 0}, 4.0},
		{"moderate rtt", media.Stats{RTTMs: 200, JitterMs: 10, PacketLoss: 0}, 4.5},
		{"moderate everything", media.Stats{RTTMs: 200, JitterMs: 40, PacketLoss: 0.03}, 3.5},
		{"bad everything", media.Stats{RTTMs: 500, JitterMs: 100, PacketLoss: 0.10}, 2.0},
		{"boundary values not penalized", media.Stats{RTTMs: 150, JitterMs: 30, PacketLoss: 0.02}, 5.0},
		{"just over boundaries", media.Stats{RTTMs: 151, JitterMs: 31, PacketLoss: 0.021}, 3.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := scoreQuality(tc.stats, at)
			if q.Score != tc.want {
				t.Fatalf("score = %v, want %v", q.Score, tc.want)
			}
			if !q.SampledAt.Equal(at) {
				t.Fatalf("sampled at = %v", q.SampledAt)
			}
		})
	}
}
