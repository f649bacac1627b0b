// Package events holds the wire envelope shared by every publisher and a
// circuit breaker decorator for publishers that talk to a broker.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps every emitted event.
type Envelope struct {
	Topic         string `json:"topic"`
	Type          string `json:"type"`
	Timestamp     string `json:"timestamp"`
	CorrelationID string `json:"correlationId"`
	Payload       any    `json:"payload"`
}

// NewEnvelope stamps the envelope with at, formatted as RFC3339Nano UTC.
func NewEnvelope(topic, eventType string, payload any, correlationID string, at time.Time) Envelope {
	return Envelope{
		Topic:         topic,
		Type:          eventType,
		Timestamp:     at.UTC().Format(time.RFC3339Nano),
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// Encode builds an envelope stamped now and serializes it.
func Encode(topic, eventType string, payload any, correlationID string) ([]byte, error) {
	data, err := json.Marshal(NewEnvelope(topic, eventType, payload, correlationID, time.Now()))
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", eventType, err)
	}
	return data, nil
}
