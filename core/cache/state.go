package cache

// State is the lifecycle state of the cache manager.
type State int

const (
	Uninitialized State = iota
	Installing
	Installed
	Activating
	Active
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Active:
		return "active"
	}
	return "unknown"
}

// Partition is the class of a cache partition.
type Partition int

const (
	// Static holds install-time assets.
	Static Partition = iota
	// Dynamic holds responses cached at runtime.
	Dynamic
)

func (p Partition) String() string {
	if p == Static {
		return "static"
	}
	return "dynamic"
}
