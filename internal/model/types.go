package model

import (
	"strconv"

	"github.com/google/uuid"
)

// eventNamespace scopes derived event IDs.
var eventNamespace = uuid.MustParse("6f1c2b9e-3d4a-4e8b-9a57-0c2d8e1f4b63")

// EventRecord is one archived server event.
type EventRecord struct {
	ID           uuid.UUID // Primary key
	ConnectionID string    // Server connection id at delivery time
	Seq          int64     // Server sequence number
	Event        string    // Event name (e.g., "posted")
	Data         []byte    // Raw JSON payload
	Broadcast    []byte    // Raw JSON broadcast descriptor
	ReceivedAt   int64     // Local receive time (µs since epoch)
}

// EventID returns a stable ID for an event delivered on connectionID with
// the given sequence number, so a redelivered event maps to the same row.
// Events without a connection id get a random ID.
func EventID(connectionID string, seq int64) uuid.UUID {
	if connectionID == "" {
		return uuid.New()
	}
	return uuid.NewSHA1(eventNamespace, []byte(connectionID+"/"+strconv.FormatInt(seq, 10)))
}
