package protocol

import "time"

// Meta accompanies every REST response.
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	Version   int64     `json:"version,omitempty"`
}

// APIResponse is the envelope of the fallback request/response surface.
//
//	success: { "success": true, "data": ..., "meta": {...} }
//	error:   { "success": false, "error": {...}, "meta": {...} }
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
	Meta    Meta   `json:"meta"`
}

// OK builds a success envelope. version is the record/event version the
// response pertains to, zero if not applicable.
func OK(data any, version int64) APIResponse {
	return APIResponse{
		Success: true,
		Data:    data,
		Meta:    Meta{Timestamp: time.Now().UTC(), Version: version},
	}
}

// Fail builds an error envelope.
func Fail(code, message, details string) APIResponse {
	return APIResponse{
		Success: false,
		Error:   &Error{Code: code, Message: message, Details: details},
		Meta:    Meta{Timestamp: time.Now().UTC()},
	}
}

// SnapshotResponse is the payload of the list retrieval call: current records
// plus any events newer than the requested since_sequence.
type SnapshotResponse struct {
	ListID         string   `json:"list_id"`
	Records        []Record `json:"records,omitempty"`
	Events         []Event  `json:"events,omitempty"`
	LatestSequence int64    `json:"latest_sequence"`
	FullSnapshot   bool     `json:"full_snapshot"`
}
