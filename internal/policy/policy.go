// SPDX-License-Identifier: MIT

// Package policy maps detected occupancy to energy device targets.
//
// Decide is deliberately a pure function: it is the seam where future
// policies (hysteresis, debounce, schedule overrides) plug in without
// touching the stream workers.
package policy

// Decision captures the device targets derived from a person count.
type Decision struct {
	Occupied bool
	Light    bool
	AC       bool
}

// Decide derives device targets from the number of persons detected in the
// last inference cycle. A room is occupied when at least one person is seen;
// light and AC simply follow occupancy.
func Decide(personCount int) Decision {
	occupied := personCount > 0
	return Decision{
		Occupied: occupied,
		Light:    occupied,
		AC:       occupied,
	}
}
