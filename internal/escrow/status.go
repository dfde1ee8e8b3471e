package escrow

// Status represents the state of an escrow.
type Status string

const (
	StatusPending  Status = "pending"  // Created, waiting for the payer's payment to clear
	StatusHeld     Status = "held"     // Funds captured and held by the platform
	StatusReleased Status = "released" // Paid out to the payee, fee committed
	StatusRefunded Status = "refunded" // Returned to the payer in full
	StatusDisputed Status = "disputed" // Frozen pending manual arbitration
	StatusExpired  Status = "expired"  // Payment never completed
)

// edges lists every legal transition. Anything not here is rejected.
var edges = map[Status][]Status{
	StatusPending:  {StatusHeld, StatusExpired},
	StatusHeld:     {StatusReleased, StatusRefunded, StatusDisputed},
	StatusDisputed: {StatusReleased, StatusRefunded},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf returns the statuses from which to is reachable in one step.
func sourcesOf(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusHeld, StatusDisputed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded || s == StatusExpired
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusHeld, StatusReleased, StatusRefunded, StatusDisputed, StatusExpired:
		return true
	}
	return false
}

func (s Status) in(set []Status) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}
