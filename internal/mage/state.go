package mage

// State is a step of the provisioning state machine. Transitions only move
// forward; any fatal error moves to Aborted.
type State int

const (
	StateStart State = iota
	StateToolchainReady
	StateSourceReady
	StateModuleLocated
	StateBuilt
	StateCertsReady
	StateLaunched
	StateAborted
)

var stateNames = [...]string{
	StateStart:          "START",
	StateToolchainReady: "TOOLCHAIN_READY",
	StateSourceReady:    "SOURCE_READY",
	StateModuleLocated:  "MODULE_LOCATED",
	StateBuilt:          "BUILT",
	StateCertsReady:     "CERTS_READY",
	StateLaunched:       "LAUNCHED",
	StateAborted:        "ABORTED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateLaunched || s == StateAborted
}

// next is the only state reachable from s on success.
func (s State) next() (State, bool) {
	if s.Terminal() {
		return s, false
	}
	return s + 1, true
}
