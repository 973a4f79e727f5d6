package engine

import (
	"time"

	"github.com/michalmatynia/geminitestapp-sub007/internal/plan"
)

// StepEvent is one observed step outcome, oldest-first in the guard's
// window.
type StepEvent struct {
	Title  string
	URL    string
	Status plan.Status
}

// LoopSignal is the evidence of a repetitive non-progress pattern. It is
// ephemeral: produced and consumed within one scheduling decision, at most
// embedded in an audit entry.
type LoopSignal struct {
	Reason   string   `json:"reason"`
	Pattern  string   `json:"pattern"`
	Titles   []string `json:"titles"`
	URLs     []string `json:"urls"`
	Statuses []string `json:"statuses"`
}

// LoopGuard detects repeated (title, url, status) triples and tight title
// cycles in recent step history. It is a pure function of that history
// plus the consecutive-detection streak it keeps for backoff.
type LoopGuard struct {
	threshold int
	window    int
	base      time.Duration
	max       time.Duration

	streak int
}

// NewLoopGuard builds a guard from run settings. The inspection window is
// wide enough to hold a full cycle at the configured threshold.
func NewLoopGuard(s Settings) *LoopGuard {
	s = s.normalized()
	return &LoopGuard{
		threshold: s.LoopGuardThreshold,
		window:    s.LoopGuardThreshold * 4,
		base:      s.LoopBackoffBase,
		max:       s.LoopBackoffMax,
	}
}

// Observe inspects the most recent events (oldest-first) and returns a
// signal when the tail shows threshold identical triples or a tight
// two-title cycle. A distinct newest observation resets the streak.
func (g *LoopGuard) Observe(events []StepEvent) *LoopSignal {
	if len(events) > g.window {
		events = events[len(events)-g.window:]
	}

	if sig := g.identicalTail(events); sig != nil {
		g.streak++
		return sig
	}
	if sig := g.titleCycle(events); sig != nil {
		g.streak++
		return sig
	}

	g.streak = 0
	return nil
}

// identicalTail reports threshold consecutive identical triples.
func (g *LoopGuard) identicalTail(events []StepEvent) *LoopSignal {
	if len(events) < g.threshold {
		return nil
	}
	tail := events[len(events)-g.threshold:]
	head := tail[0]
	for _, e := range tail[1:] {
		if e != head {
			return nil
		}
	}
	return g.signal("repeated identical step outcome", "identical-triple", tail)
}

// titleCycle reports a tight A/B title alternation repeated threshold
// times per title.
func (g *LoopGuard) titleCycle(events []StepEvent) *LoopSignal {
	need := g.threshold * 2
	if len(events) < need {
		return nil
	}
	tail := events[len(events)-need:]
	a, b := tail[0].Title, tail[1].Title
	if a == b {
		return nil // identicalTail territory
	}
	for i, e := range tail {
		want := a
		if i%2 == 1 {
			want = b
		}
		if e.Title != want {
			return nil
		}
	}
	return g.signal("alternating step titles without progress", "title-cycle", tail)
}

func (g *LoopGuard) signal(reason, pattern string, evidence []StepEvent) *LoopSignal {
	sig := &LoopSignal{Reason: reason, Pattern: pattern}
	for _, e := range evidence {
		sig.Titles = append(sig.Titles, e.Title)
		sig.URLs = append(sig.URLs, e.URL)
		sig.Statuses = append(sig.Statuses, string(e.Status))
	}
	return sig
}

// Backoff returns the delay for the current detection streak:
// min(max, base x 2^(streak-1)), so the first detection waits the base
// value. Zero when no detection is active.
func (g *LoopGuard) Backoff() time.Duration {
	if g.streak <= 0 {
		return 0
	}
	d := g.base
	for i := 1; i < g.streak; i++ {
		d *= 2
		if d >= g.max {
			return g.max
		}
	}
	if d > g.max {
		return g.max
	}
	return d
}

// Streak returns the count of consecutive detections.
func (g *LoopGuard) Streak() int {
	return g.streak
}
