/*
Package transport defines the messages exchanged over a context stream.
Every message is a JSON object with a "type" field.
*/
package transport

import (
	"encoding/json"
	"time"

	"github.com/theapemachine/ctxsync/pkg/diff"
	"github.com/theapemachine/ctxsync/pkg/errors"
	"github.com/theapemachine/ctxsync/pkg/store"
	"github.com/tidwall/gjson"
)

type Type string

const (
	TypeSnapshot  Type = "context_snapshot"
	TypeUpdate    Type = "context_update"
	TypeAck       Type = "ack"
	TypeError     Type = "error"
	TypePing      Type = "ping"
	TypePong      Type = "pong"
	TypeReconnect Type = "reconnect"
	TypeEvicted   Type = "evicted"
	TypeDeleted   Type = "deleted"
	TypeReplaced  Type = "replaced"
)

var known = map[Type]bool{
	TypeSnapshot: true, TypeUpdate: true, TypeAck: true, TypeError: true, TypePing: true,
	TypePong: true, TypeReconnect: true, TypeEvicted: true, TypeDeleted: true, TypeReplaced: true,
}

/*
Message is the single envelope used in both directions. Which fields are set
depends on Type: snapshots carry Data, updates carry Diff, acks carry the
committed Version and Hash, errors carry Error.
*/
type Message struct {
	Type        Type                 `json:"type"`
	ProjectID   string               `json:"projectId,omitempty"`
	AgentID     string               `json:"agentId,omitempty"`
	RequestID   string               `json:"requestId,omitempty"`
	Version     int64                `json:"version,omitempty"`
	Hash        string               `json:"hash,omitempty"`
	Data        map[string]any       `json:"data,omitempty"`
	Diff        *diff.Diff           `json:"diff,omitempty"`
	TokensSaved int                  `json:"tokensSaved,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	Error       *errors.ContextError `json:"error,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
}

func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

/*
Decode parses one inbound frame. It rejects frames that are not JSON
objects, carry an unknown type, or hold an update without a valid diff.
*/
func Decode(raw []byte) (*Message, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.ErrValidation.WithMessagef("message is not valid JSON")
	}

	root := gjson.ParseBytes(raw)

	if !root.IsObject() {
		return nil, errors.ErrValidation.WithMessagef("message is not a JSON object")
	}

	kind := Type(root.Get("type").String())

	if !known[kind] {
		return nil, errors.ErrValidation.WithMessagef("unknown message type %q", kind)
	}

	msg := &Message{}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, errors.ErrValidation.WithMessagef("malformed %s message: %v", kind, err)
	}

	if kind == TypeUpdate {
		if msg.Diff == nil {
			return nil, errors.ErrValidation.WithMessagef("context_update without diff")
		}

		if err := diff.Validate(*msg.Diff); err != nil {
			return nil, err
		}
	}

	return msg, nil
}

/*
FromEvent converts a store event into the message pushed to subscribers.
*/
func FromEvent(ev store.Event) *Message {
	msg := &Message{
		ProjectID:   ev.ProjectID,
		AgentID:     ev.Origin,
		Version:     ev.Version,
		Hash:        ev.Hash,
		TokensSaved: ev.TokensSaved,
		Timestamp:   ev.Timestamp,
	}

	switch ev.Kind {
	case store.EventSnapshot:
		msg.Type = TypeSnapshot

		if ev.Snapshot != nil {
			msg.Data = ev.Snapshot.Data
		}
	case store.EventDeleted:
		msg.Type = TypeDeleted
	case store.EventEvicted:
		msg.Type = TypeEvicted
	default:
		msg.Type = TypeUpdate
		msg.Diff = ev.Diff
	}

	return msg
}

/*
Notice is the last message sent before the server closes a stream.
*/
func Notice(projectID string, reason store.CloseReason) *Message {
	msg := &Message{
		ProjectID: projectID,
		Reason:    string(reason),
		Timestamp: time.Now(),
	}

	switch reason {
	case store.ReasonEvicted:
		msg.Type = TypeEvicted
	case store.ReasonDeleted:
		msg.Type = TypeDeleted
	case store.ReasonReplaced:
		msg.Type = TypeReplaced
	default:
		msg.Type = TypeReconnect
	}

	return msg
}

func Ack(requestID string, result *store.Result) *Message {
	return &Message{
		Type:        TypeAck,
		RequestID:   requestID,
		Version:     result.Version,
		Hash:        result.Hash,
		TokensSaved: result.TokensSaved,
		Timestamp:   time.Now(),
	}
}

func Error(requestID string, err error) *Message {
	return &Message{
		Type:      TypeError,
		RequestID: requestID,
		Error:     errors.NewBody(err).Error,
		Timestamp: time.Now(),
	}
}

func Pong(requestID string) *Message {
	return &Message{Type: TypePong, RequestID: requestID, Timestamp: time.Now()}
}
