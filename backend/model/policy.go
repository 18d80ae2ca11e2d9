package model

// Policy describes session admission and presence classification.
// The privileged participant (the controlled device) is identified by
// a fixed reserved id.
type Policy struct {
	Capacity     int
	PrivilegedID string
	// ReservePrivileged keeps the last free slot for the privileged participant.
	ReservePrivileged bool
}

// Admit reports whether joiner may enter a session currently holding count members.
func (p Policy) Admit(count int, joiner string, privilegedPresent bool) bool {
	if count >= p.Capacity {
		return false
	}
	if p.ReservePrivileged && joiner != p.PrivilegedID && !privilegedPresent && count >= p.Capacity-1 {
		return false
	}
	return true
}

func (p Policy) Classify(count int, privilegedPresent bool) Status {
	switch {
	case !privilegedPresent:
		return StatusOffline
	case count >= p.Capacity:
		return StatusBusy
	default:
		return StatusOnline
	}
}
