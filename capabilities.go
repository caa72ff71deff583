package midiplay

// Capabilities lists the optional behaviors a Player is built with. They are
// fixed at construction.
type Capabilities struct {
	// RampedTransitions lets Play and Stop fade the volume.
	RampedTransitions bool
	// Interception runs the intercept callback on every event.
	Interception bool
	// EventInsertion allows InsertEvents on a loaded timeline.
	EventInsertion bool
}

// AllCapabilities enables every optional behavior.
func AllCapabilities() Capabilities {
	return Capabilities{RampedTransitions: true, Interception: true, EventInsertion: true}
}
