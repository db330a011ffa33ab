package kiln

// State is the position of a build session in
// Loaded → Patched → Configured → Built → Installed, or Failed.
type State int

const (
	StateLoaded State = iota
	StatePatched
	StateConfigured
	StateBuilt
	StateInstalled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StatePatched:
		return "patched"
	case StateConfigured:
		return "configured"
	case StateBuilt:
		return "built"
	case StateInstalled:
		return "installed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateInstalled || s == StateFailed
}

func stageState(st Stage) State {
	switch st {
	case StageConfigure:
		return StateConfigured
	case StageInstall:
		return StateInstalled
	default:
		return StateBuilt
	}
}
