// Package feed implements the event sources the broker subscribes to and the
// publishers the store uses to announce row changes.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vadim/neo-social/internal/realtime/broker"
)

// ErrMalformedEvent is returned for payloads that are not row events
var ErrMalformedEvent = errors.New("malformed row event")

// Encode serializes a row event for the wire
func Encode(ev broker.RawEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding row event: %w", err)
	}
	return data, nil
}

// Decode parses a wire payload back into a row event
func Decode(data []byte) (broker.RawEvent, error) {
	var ev broker.RawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return broker.RawEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Table == "" || ev.Operation == "" {
		return broker.RawEvent{}, ErrMalformedEvent
	}
	if ev.Message == nil && ev.Conversation == nil {
		return broker.RawEvent{}, fmt.Errorf("%w: no row", ErrMalformedEvent)
	}
	return ev, nil
}
