// Package transport carries messages between isolated contexts: correlated
// request/response pairs toward the coordinator and best-effort broadcast
// fan-out back to the client caches. The in-process Bus is the reference
// substrate; the HTTP bridge in internal/transport/httprpc carries the same
// envelopes across processes.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// MessageType identifies a request in the protocol vocabulary.
type MessageType string

const (
	MsgPing           MessageType = "PING"
	MsgGetSetting     MessageType = "GET_SETTING"
	MsgGetSettings    MessageType = "GET_SETTINGS"
	MsgGetAllSettings MessageType = "GET_ALL_SETTINGS"
	MsgUpdateSetting  MessageType = "UPDATE_SETTING"
	MsgUpdateSettings MessageType = "UPDATE_SETTINGS"
	MsgExportSettings MessageType = "EXPORT_SETTINGS"
	MsgImportSettings MessageType = "IMPORT_SETTINGS"
	MsgResetSettings  MessageType = "RESET_SETTINGS"
)

// BroadcastType identifies a fire-and-forget notification.
type BroadcastType string

const (
	BroadcastChanged  BroadcastType = "SETTINGS_CHANGED"
	BroadcastImported BroadcastType = "SETTINGS_IMPORTED"
	BroadcastReset    BroadcastType = "SETTINGS_RESET"
)

// Message is a correlated request. Origin names the sending endpoint so the
// broadcast router can avoid echoing a client's own change back to it.
type Message struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Origin        string          `json:"origin,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Response answers exactly one Message. Either Payload or Error is set.
type Response struct {
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Broadcast is a fire-and-forget notification: no correlation id, no
// acknowledgment, delivery is best-effort.
type Broadcast struct {
	Type    BroadcastType   `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Transport errors
var (
	// ErrTimeout means the caller gave up waiting for the response. The
	// corresponding work may still complete on the coordinator side.
	ErrTimeout = errors.New("request timed out")

	// ErrUnreachable means no handler is registered to receive requests.
	ErrUnreachable = errors.New("no reachable handler")

	// ErrDuplicateReply means a handler tried to answer the same request
	// twice.
	ErrDuplicateReply = errors.New("request already answered")

	// ErrReplyDropped means a reply arrived after the reply channel closed
	// (handler declared Answered, then replied later anyway).
	ErrReplyDropped = errors.New("reply channel already closed")
)

// Outcome is a handler's declaration of how it will answer. Answered means
// the reply was already sent (or the returned error stands in for it) and the
// reply channel closes when the handler returns. Deferred keeps the channel
// open; the handler must eventually reply exactly once. Declaring the wrong
// case is a bug: a late reply after Answered is dropped and logged rather
// than racing the channel close.
type Outcome int

const (
	Answered Outcome = iota
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Answered:
		return "answered"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// ReplyFunc delivers the response for one request. It may be called at most
// once; later calls return ErrDuplicateReply or ErrReplyDropped.
type ReplyFunc func(Response) error

// Handler processes requests on the coordinator side. The returned Outcome
// must be decided before any suspension point (see Outcome).
type Handler interface {
	Handle(ctx context.Context, msg Message, reply ReplyFunc) (Outcome, error)
}
