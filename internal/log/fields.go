// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRoomID    = "room_id"
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Media / stream fields
	FieldSource = "source"
	FieldFPS    = "fps"
	FieldFrame  = "frame"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Detection fields
	FieldPersons  = "persons"
	FieldOccupied = "occupied"
)
