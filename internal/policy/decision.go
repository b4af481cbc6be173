package policy

// Decision is the outcome of an authorization check. Denial is an ordinary
// value, not an error.
type Decision int

const (
	// Deny means the action is not permitted.
	Deny Decision = iota

	// Allow means the action is permitted.
	Allow
)

// String returns "allow" or "deny".
func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

func decide(ok bool) Decision {
	if ok {
		return Allow
	}
	return Deny
}
