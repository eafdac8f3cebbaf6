package pipeline

import (
	"sync"

	"github.com/menta2k/leafscan/pkg/phash"
	"github.com/menta2k/leafscan/pkg/types"
)

// outcome is what a flight leader hands to its followers
type outcome struct {
	report    *types.DiagnosticReport
	warning   AnalysisError
	fromCache bool
}

// flight is one in-progress resolution of a fingerprint
type flight struct {
	fp   phash.Fingerprint
	done chan struct{}

	out outcome
	err AnalysisError
	// abandoned is set when the leader gave up before producing a report;
	// followers retry instead of failing
	abandoned bool
}

// flightGroup coalesces concurrent resolutions of the same or similar
// fingerprints so only one validator call is made for them
type flightGroup struct {
	mu        sync.Mutex
	flights   map[string]*flight
	threshold float64
}

func newFlightGroup(threshold float64) *flightGroup {
	return &flightGroup{
		flights:   make(map[string]*flight),
		threshold: threshold,
	}
}

// join returns the flight fp should wait on. leader is true when the
// caller created it and must call land.
func (g *flightGroup) join(fp phash.Fingerprint) (f *flight, leader bool) {
	key := fp.Hex()

	g.mu.Lock()
	defer g.mu.Unlock()

	if f, ok := g.flights[key]; ok {
		return f, false
	}
	for _, f := range g.flights {
		if phash.AreSimilar(fp, f.fp, g.threshold) {
			return f, false
		}
	}

	f = &flight{fp: fp, done: make(chan struct{})}
	g.flights[key] = f
	return f, true
}

// land publishes the leader's result and releases its followers
func (g *flightGroup) land(f *flight, out outcome, err AnalysisError, abandoned bool) {
	g.mu.Lock()
	delete(g.flights, f.fp.Hex())
	g.mu.Unlock()

	f.out = out
	f.err = err
	f.abandoned = abandoned
	close(f.done)
}

func (g *flightGroup) inFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}
