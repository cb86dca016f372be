package serialization

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// SnapshotCodec stores arbitrary JSON objects as structpb.Struct messages.
// Numbers come back as JSON numbers; integers above 2^53 lose precision,
// so ids that large must be sent as strings.
type SnapshotCodec struct {
	s *Serializer
}

// NewSnapshotCodec creates the codec used for job payload snapshots
func NewSnapshotCodec() *SnapshotCodec {
	return &SnapshotCodec{s: NewProtobufSerializer()}
}

// Encode converts a JSON object to a prefixed protobuf snapshot
func (c *SnapshotCodec) Encode(raw json.RawMessage) ([]byte, error) {
	st, err := JSONToStruct(raw)
	if err != nil {
		return nil, err
	}
	return c.s.Marshal(st)
}

// Decode returns the snapshot as JSON. Plain JSON snapshots are returned as they are.
func (c *SnapshotCodec) Decode(data []byte) (json.RawMessage, error) {
	format, body, err := c.s.DetectFormat(data)
	if err != nil {
		return nil, err
	}
	if format == FormatJSON {
		return json.RawMessage(body), nil
	}

	st := &structpb.Struct{}
	if err := c.s.Unmarshal(data, st); err != nil {
		return nil, err
	}
	return StructToJSON(st)
}

// JSONToStruct parses a JSON object into a structpb.Struct
func JSONToStruct(raw json.RawMessage) (*structpb.Struct, error) {
	if len(raw) == 0 {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("%w: snapshot must be a JSON object: %v", ErrMarshalFailed, err)
	}
	return st, nil
}

// StructToJSON renders a structpb.Struct as compact JSON
func StructToJSON(st *structpb.Struct) (json.RawMessage, error) {
	out, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnmarshalFailed, err)
	}
	// protojson output is not guaranteed stable; normalise through encoding/json
	var v interface{}
	if err := json.Unmarshal(out, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnmarshalFailed, err)
	}
	compact, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnmarshalFailed, err)
	}
	return compact, nil
}
