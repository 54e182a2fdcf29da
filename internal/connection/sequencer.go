package connection

import (
	"encoding/json"
	"fmt"
)

// sequencer tracks the server session id and the next expected event
// sequence number. Callers hold the Manager lock.
type sequencer struct {
	connectionID   string
	expected       int64
	serverVersion  string
	serverHostname string
}

// hello records the session id carried by a hello event. It reports
// true when a different session id was already held, meaning the server
// could not resume the old session and events may have been missed.
func (s *sequencer) hello(ev Event) (sessionLost bool, err error) {
	var data helloData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return false, fmt.Errorf("%w: hello data: %v", ErrMalformedFrame, err)
	}
	if data.ConnectionID == "" {
		return false, nil
	}

	if s.connectionID != "" && s.connectionID != data.ConnectionID {
		s.expected = 0
		sessionLost = true
	}
	s.connectionID = data.ConnectionID
	if data.ServerVersion != "" {
		s.serverVersion = data.ServerVersion
	}
	if data.ServerHostname != "" {
		s.serverHostname = data.ServerHostname
	}
	return sessionLost, nil
}

// accept advances the expected sequence when seq matches it.
func (s *sequencer) accept(seq int64) bool {
	if seq != s.expected {
		return false
	}
	s.expected++
	return true
}

// reset forgets the session so the next dial starts a new one.
func (s *sequencer) reset() {
	s.connectionID = ""
	s.expected = 0
}
