package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/muaviaUsmani/sellerpilot/internal/rule"
	"github.com/muaviaUsmani/sellerpilot/internal/serialization"
)

// DefaultCodec encodes payload snapshots as protobuf structs
var DefaultCodec = serialization.NewSnapshotCodec()

// NewJobWithSnapshot captures payload at creation time. It is never re-resolved later.
func NewJobWithSnapshot(accountID int64, kind rule.Kind, targetEntity string, targetAt time.Time, leadMinutes int, payload json.RawMessage) (*Job, error) {
	data, err := DefaultCodec.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot job payload: %w", err)
	}
	return NewJob(accountID, kind, targetEntity, targetAt, leadMinutes, data), nil
}

// Snapshot decodes the payload captured at creation
func (j *Job) Snapshot() (json.RawMessage, error) {
	return DefaultCodec.Decode(j.Payload)
}

// View is the JSON shape returned to operators, with the snapshot decoded
type View struct {
	*Job
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ToView decodes the snapshot for display. Undecodable snapshots are left out.
func (j *Job) ToView() View {
	v := View{Job: j}
	if raw, err := j.Snapshot(); err == nil {
		v.Payload = raw
	}
	return v
}
