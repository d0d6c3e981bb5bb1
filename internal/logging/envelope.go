package logging

import (
	"encoding/json"
	"time"
)

// Envelope is the JSON document message-oriented transports publish for a
// batch.
type Envelope struct {
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Lines     []string  `json:"lines"`
}

func NewEnvelope(b Batch) Envelope {
	return Envelope{
		Seq:       b.Sequence,
		CreatedAt: b.CreatedAt.UTC(),
		Lines:     b.Lines(),
	}
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
