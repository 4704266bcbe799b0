package device

import "time"

// Identity describes a physical device once its family has been recognized.
// All fields except Addr are fixed per family; DisplayName is derived
// deterministically from the address.
type Identity struct {
	Addr         string
	DisplayName  string
	Manufacturer string
	Model        string
}

// Liveness tracks whether a device looked "in use" the last time it was
// observed. LastActive is only ever stamped on a transition to active, so it
// stays zero until the device has been active at least once.
type Liveness struct {
	Active     bool
	LastActive time.Time
}

func (l Liveness) RecentlyActive(now time.Time, grace time.Duration) bool {
	if l.LastActive.IsZero() {
		return false
	}

	return now.Sub(l.LastActive) <= grace
}
