package replica

// Causality is the outcome of comparing two vector clocks.
type Causality int

const (
	// Equal means both clocks have identical counters.
	Equal Causality = iota
	// Before means the receiver causally precedes the other clock.
	Before
	// After means the receiver causally follows the other clock.
	After
	// Concurrent means neither clock precedes the other.
	Concurrent
)

func (c Causality) String() string {
	switch c {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VectorClock holds one monotonically advancing counter per replica node.
// The zero value is usable; methods never mutate the receiver except Tick
// and Merge, which callers invoke only while holding the record's lock.
type VectorClock map[string]int64

func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Tick advances this node's counter and returns the new value.
func (vc VectorClock) Tick(nodeID string) int64 {
	vc[nodeID]++
	return vc[nodeID]
}

// Merge folds other into vc, keeping the maximum counter per node.
func (vc VectorClock) Merge(other VectorClock) {
	for node, counter := range other {
		if counter > vc[node] {
			vc[node] = counter
		}
	}
}

// Compare reports the causal relation between vc and other.
func (vc VectorClock) Compare(other VectorClock) Causality {
	var ahead, behind bool
	for node, counter := range vc {
		if counter > other[node] {
			ahead = true
		}
	}
	for node, counter := range other {
		if counter > vc[node] {
			behind = true
		}
	}
	switch {
	case ahead && behind:
		return Concurrent
	case ahead:
		return After
	case behind:
		return Before
	default:
		return Equal
	}
}

// Clone returns an independent copy.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for node, counter := range vc {
		out[node] = counter
	}
	return out
}
