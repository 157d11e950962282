package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/luciancaetano/kephasgate"
)

// MaxSize is the largest raw envelope Decode accepts.
const MaxSize = 10 * 1024 * 1024

// canonical produces the byte form the hash is computed over: sorted keys
// at every level, numbers kept exactly as they appeared on the wire.
var canonical = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// plain decodes data handed to consumers, with numbers as float64.
var plain = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// Envelope is one decoded or freshly encoded message.
type Envelope struct {
	Type      MessageType
	RequestID string
	Timestamp time.Time
	Sequence  uint64
	Data      map[string]any
	Hash      string

	// stamp is the timestamp exactly as hashed.
	stamp string
}

// Wire is the JSON shape of an envelope.
type Wire struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId"`
	Timestamp string         `json:"timestamp"`
	Sequence  uint64         `json:"sequence"`
	Data      map[string]any `json:"data"`
	Hash      string         `json:"hash"`
}

type inbound struct {
	Type      *string             `json:"type"`
	RequestID *string             `json:"requestId"`
	Timestamp *string             `json:"timestamp"`
	Sequence  *uint64             `json:"sequence"`
	Data      jsoniter.RawMessage `json:"data"`
	Hash      *string             `json:"hash"`
}

// Encode builds an envelope of the given type. An empty requestID gets a
// fresh UUID. Data is normalised through JSON so the envelope carries only
// JSON-native values.
func Encode(typ MessageType, data map[string]any, sequence uint64, requestID string) (*Envelope, error) {
	if !typ.Valid() {
		return nil, kephasgate.NewValidationError(kephasgate.CodeUnknownType, fmt.Sprintf("cannot encode message type %d", typ))
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	normalized, err := normalize(data)
	if err != nil {
		return nil, kephasgate.NewValidationError(kephasgate.CodeInvalidPayload, "data is not JSON serialisable").Wrap(err)
	}

	now := time.Now().UTC()
	env := &Envelope{
		Type:      typ,
		RequestID: requestID,
		Timestamp: now,
		Sequence:  sequence,
		Data:      normalized,
		stamp:     now.Format(time.RFC3339Nano),
	}
	env.Hash, err = digest(env.Type.String(), env.RequestID, env.stamp, env.Sequence, env.Data)
	if err != nil {
		return nil, err
	}
	return env, nil
}

// Restamp returns a copy of e carrying sequence and a recomputed hash.
func (e *Envelope) Restamp(sequence uint64) (*Envelope, error) {
	out := *e
	out.Sequence = sequence
	if out.stamp == "" {
		out.stamp = out.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	hash, err := digest(out.Type.String(), out.RequestID, out.stamp, out.Sequence, out.Data)
	if err != nil {
		return nil, err
	}
	out.Hash = hash
	return &out, nil
}

// ToWire returns the wire shape of e.
func (e *Envelope) ToWire() Wire {
	stamp := e.stamp
	if stamp == "" {
		stamp = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return Wire{
		Type:      e.Type.String(),
		RequestID: e.RequestID,
		Timestamp: stamp,
		Sequence:  e.Sequence,
		Data:      e.Data,
		Hash:      e.Hash,
	}
}

// Marshal serialises e to its wire form.
func Marshal(e *Envelope) ([]byte, error) {
	return plain.Marshal(e.ToWire())
}

// FromWire verifies w and returns the envelope it describes.
func FromWire(w Wire) (*Envelope, error) {
	raw, err := plain.Marshal(w)
	if err != nil {
		return nil, kephasgate.NewValidationError(kephasgate.CodeMalformed, "cannot serialise wire envelope").Wrap(err)
	}
	return Decode(raw)
}

// Decode parses and verifies a raw envelope.
//
// Missing fields and malformed JSON or timestamps yield a validation error, a
// missing or wrong hash yields an integrity error, and an unrecognized type
// yields a validation error. The type is checked last so a tampered type is
// reported as an integrity failure.
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) > MaxSize {
		return nil, kephasgate.NewValidationError(kephasgate.CodeMalformed, fmt.Sprintf("envelope size %d exceeds maximum %d bytes", len(raw), MaxSize))
	}

	var in inbound
	if err := canonical.Unmarshal(raw, &in); err != nil {
		return nil, kephasgate.NewValidationError(kephasgate.CodeMalformed, "envelope is not valid JSON").Wrap(err)
	}

	switch {
	case in.Type == nil:
		return nil, missing("type")
	case in.RequestID == nil || *in.RequestID == "":
		return nil, missing("requestId")
	case in.Timestamp == nil:
		return nil, missing("timestamp")
	case in.Sequence == nil:
		return nil, missing("sequence")
	case len(in.Data) == 0 || string(in.Data) == "null":
		return nil, missing("data")
	}

	ts, err := time.Parse(time.RFC3339Nano, *in.Timestamp)
	if err != nil {
		return nil, kephasgate.NewValidationError(kephasgate.CodeMalformed, "timestamp is not ISO8601").Wrap(err)
	}

	var hashed map[string]any
	if err := canonical.Unmarshal(in.Data, &hashed); err != nil {
		return nil, kephasgate.NewValidationError(kephasgate.CodeMalformed, "data must be an object").Wrap(err)
	}

	if in.Hash == nil || *in.Hash == "" {
		return nil, kephasgate.NewIntegrityError(kephasgate.CodeHashMismatch, "envelope carries no hash")
	}
	want, err := digest(*in.Type, *in.RequestID, *in.Timestamp, *in.Sequence, hashed)
	if err != nil {
		return nil, err
	}
	if want != *in.Hash {
		return nil, kephasgate.NewIntegrityError(kephasgate.CodeHashMismatch, "envelope hash does not match its content")
	}

	typ, ok := ParseMessageType(*in.Type)
	if !ok {
		return nil, kephasgate.NewValidationError(kephasgate.CodeUnknownType, fmt.Sprintf("unknown message type %q", *in.Type))
	}

	var data map[string]any
	if err := plain.Unmarshal(in.Data, &data); err != nil {
		return nil, kephasgate.NewValidationError(kephasgate.CodeMalformed, "data must be an object").Wrap(err)
	}

	return &Envelope{
		Type:      typ,
		RequestID: *in.RequestID,
		Timestamp: ts.UTC(),
		Sequence:  *in.Sequence,
		Data:      data,
		Hash:      *in.Hash,
		stamp:     *in.Timestamp,
	}, nil
}

// Digest computes the hash a client must attach to an envelope with the
// given fields. The timestamp is hashed as the literal wire string.
func Digest(typ, requestID, timestamp string, sequence uint64, data map[string]any) (string, error) {
	return digest(typ, requestID, timestamp, sequence, data)
}

func digest(typ, requestID, timestamp string, sequence uint64, data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	body, err := canonical.Marshal(map[string]any{
		"data":      data,
		"requestId": requestID,
		"sequence":  sequence,
		"timestamp": timestamp,
		"type":      typ,
	})
	if err != nil {
		return "", kephasgate.NewValidationError(kephasgate.CodeInvalidPayload, "cannot canonicalise envelope").Wrap(err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

func normalize(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	body, err := plain.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := plain.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func missing(field string) error {
	return kephasgate.NewValidationError(kephasgate.CodeMissingField, "missing required field "+field)
}

// StringValue returns the string stored under key in e.Data, or "".
func (e *Envelope) StringValue(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// StringList returns the string elements of the list stored under key.
// A single string value is returned as a one-element list.
func (e *Envelope) StringList(key string) []string {
	switch v := e.Data[key].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Object returns the object stored under key in e.Data, or nil.
func (e *Envelope) Object(key string) map[string]any {
	m, _ := e.Data[key].(map[string]any)
	return m
}
