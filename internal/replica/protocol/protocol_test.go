package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"

	"github.com/replicasync/replica/internal/replica/journal"
)

func TestErrorCodeFatal(t *testing.T) {
	tests := []struct {
		code  ErrorCode
		fatal bool
	}{
		{CodeBadRequest, false},
		{CodeUnauthorized, true},
		{CodePermissionDenied, true},
		{CodeInternal, false},
	}
	for _, tt := range tests {
		if got := tt.code.Fatal(); got != tt.fatal {
			t.Errorf("%s.Fatal() = %v, want %v", tt.code, got, tt.fatal)
		}
		msg := NewError(tt.code, "x")
		if msg.Error.Fatal != tt.fatal {
			t.Errorf("NewError(%s).Fatal = %v, want %v", tt.code, msg.Error.Fatal, tt.fatal)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"bind", NewBind("tok", "/u/cars", "p", 0), false},
		{"upload", NewUpload(nil), false},
		{"download", NewDownload(nil, 3, true), false},
		{"ack", NewAck(1, 2), false},
		{"error", NewError(CodeInternal, "boom"), false},
		{"missing body", Message{Type: TypeAck}, true},
		{"unknown type", Message{Type: "hello"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReadWrite(t *testing.T) {
	received := make(chan Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		msg, err := Read(r.Context(), conn)
		if err != nil {
			t.Errorf("server Read failed: %v", err)
			return
		}
		received <- msg
		_ = Write(r.Context(), conn, NewAck(msg.Upload.Changesets[0].ClientVersion, 10))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	cs := journal.Changeset{
		Peer:          "p1",
		ClientVersion: 4,
		Instructions: []journal.Instruction{
			{Op: journal.OpListInsert, Class: "Car", ID: "1", Field: "carOwners", Target: "7", Clock: journal.Clock{Time: 5, Peer: "p1"}},
		},
	}
	if err := Write(ctx, conn, NewUpload([]journal.Changeset{cs})); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	ack, err := Read(ctx, conn)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if ack.Type != TypeAck || ack.Ack.ClientVersion != 4 || ack.Ack.ServerVersion != 10 {
		t.Errorf("ack = %+v", ack.Ack)
	}

	got := <-received
	if got.Timestamp.IsZero() {
		t.Error("Write should stamp the timestamp")
	}
	if diff := cmp.Diff(cs.Instructions, got.Upload.Changesets[0].Instructions); diff != "" {
		t.Errorf("instructions (-sent +received):\n%s", diff)
	}
}
