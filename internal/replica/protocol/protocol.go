// Package protocol defines the sync wire messages.
//
// Client and server exchange JSON messages over one websocket:
//
//	client                       server
//	  bind {token, path, after} ->
//	                            <- download {changesets, caught_up=false}...
//	                            <- download {caught_up=true}
//	  upload {changesets}       ->
//	                            <- ack {client_version, server_version}
//	                            <- download {changesets}   (other peers, any time)
//	                            <- error {code, fatal}
package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/replicasync/replica/internal/replica/journal"
)

// Version is the protocol version sent on bind.
const Version = 1

// MessageType defines the type of sync message
type MessageType string

const (
	// TypeBind opens a session for a path
	TypeBind MessageType = "bind"

	// TypeUpload carries local changesets to the server
	TypeUpload MessageType = "upload"

	// TypeDownload carries server history to the client
	TypeDownload MessageType = "download"

	// TypeAck confirms integration of uploaded changesets
	TypeAck MessageType = "ack"

	// TypeError reports a session error
	TypeError MessageType = "error"
)

// Message is the envelope of every frame. Exactly one body is set.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`

	Bind     *Bind      `json:"bind,omitempty"`
	Upload   *Upload    `json:"upload,omitempty"`
	Download *Download  `json:"download,omitempty"`
	Ack      *Ack       `json:"ack,omitempty"`
	Error    *ErrorBody `json:"error,omitempty"`
}

// Bind opens a session.
type Bind struct {
	Version int    `json:"version"`
	Token   string `json:"token"`
	Path    string `json:"path"`
	Peer    string `json:"peer"`

	// After is the last server version the client has integrated.
	After int64 `json:"after"`
}

// Upload carries local changesets in client version order.
type Upload struct {
	Changesets []journal.Changeset `json:"changesets"`
}

// Download carries server history in server version order.
type Download struct {
	Changesets []journal.Changeset `json:"changesets"`

	// LatestServerVersion is the server position this batch brings the
	// client to, including skipped changesets of its own.
	LatestServerVersion int64 `json:"latest_server_version"`

	// CaughtUp marks the end of the initial history stream.
	CaughtUp bool `json:"caught_up"`
}

// Ack confirms that every changeset up to ClientVersion is integrated.
type Ack struct {
	ClientVersion int64 `json:"client_version"`
	ServerVersion int64 `json:"server_version"`
}

// ErrorCode classifies session errors.
type ErrorCode string

const (
	CodeBadRequest       ErrorCode = "bad_request"
	CodeUnauthorized     ErrorCode = "unauthorized"
	CodePermissionDenied ErrorCode = "permission_denied"
	CodeInternal         ErrorCode = "internal"
)

// Fatal reports whether a client should stop reconnecting after the error.
func (c ErrorCode) Fatal() bool {
	return c == CodeUnauthorized || c == CodePermissionDenied
}

// ErrorBody is a session error. It implements error.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Fatal   bool      `json:"fatal"`
}

func (e *ErrorBody) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBind builds a bind message.
func NewBind(token, path, peer string, after int64) Message {
	return Message{
		Type: TypeBind,
		Bind: &Bind{Version: Version, Token: token, Path: path, Peer: peer, After: after},
	}
}

// NewUpload builds an upload message.
func NewUpload(changesets []journal.Changeset) Message {
	return Message{Type: TypeUpload, Upload: &Upload{Changesets: changesets}}
}

// NewDownload builds a download message.
func NewDownload(changesets []journal.Changeset, latest int64, caughtUp bool) Message {
	if changesets == nil {
		changesets = []journal.Changeset{}
	}
	return Message{
		Type:     TypeDownload,
		Download: &Download{Changesets: changesets, LatestServerVersion: latest, CaughtUp: caughtUp},
	}
}

// NewAck builds an ack message.
func NewAck(clientVersion, serverVersion int64) Message {
	return Message{Type: TypeAck, Ack: &Ack{ClientVersion: clientVersion, ServerVersion: serverVersion}}
}

// NewError builds an error message.
func NewError(code ErrorCode, format string, args ...any) Message {
	return Message{
		Type:  TypeError,
		Error: &ErrorBody{Code: code, Message: fmt.Sprintf(format, args...), Fatal: code.Fatal()},
	}
}

// Validate checks that the body matches the type.
func (m *Message) Validate() error {
	var ok bool
	switch m.Type {
	case TypeBind:
		ok = m.Bind != nil
	case TypeUpload:
		ok = m.Upload != nil
	case TypeDownload:
		ok = m.Download != nil
	case TypeAck:
		ok = m.Ack != nil
	case TypeError:
		ok = m.Error != nil
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if !ok {
		return fmt.Errorf("%s message without body", m.Type)
	}
	return nil
}

// Write sends msg, stamping its timestamp.
func Write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return fmt.Errorf("failed to write %s message: %w", msg.Type, err)
	}
	return nil
}

// Read receives and validates one message.
func Read(ctx context.Context, conn *websocket.Conn) (Message, error) {
	var msg Message
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		return msg, fmt.Errorf("failed to read message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}
