package pipeline

// State is a step of the analysis state machine
type State int

const (
	StateStart State = iota
	StateQualityGate
	StateDetect
	StateClassify
	StateCacheLookup
	StateValidate
	StateFallback
	StateCacheStore
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateStart:       "start",
	StateQualityGate: "quality_gate",
	StateDetect:      "detect",
	StateClassify:    "classify",
	StateCacheLookup: "cache_lookup",
	StateValidate:    "validate",
	StateFallback:    "fallback",
	StateCacheStore:  "cache_store",
	StateDone:        "done",
	StateFailed:      "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
