package server

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/replicasync/replica/internal/replica/journal"
	"github.com/replicasync/replica/internal/replica/protocol"
)

var (
	// ErrBadPath is returned for a path that is not /<identity>/<name>.
	ErrBadPath = errors.New("path must have the form /<identity>/<name> or ~/<name>")

	// ErrPermissionDenied is returned when binding another user's path.
	ErrPermissionDenied = errors.New("permission denied")
)

// session is one bound websocket.
type session struct {
	s        *Server
	conn     *websocket.Conn
	identity string
	path     string
	peer     string

	// sent is the server version the client has been brought to.
	sent int64

	wake chan struct{}
}

// ExpandPath resolves a leading "~/" to the identity's home and checks that
// the identity owns the result.
func ExpandPath(raw, identity string) (string, error) {
	p := raw
	if strings.HasPrefix(p, "~/") {
		p = "/" + identity + p[1:]
	}
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%q: %w", raw, ErrBadPath)
	}
	p = path.Clean(p)

	owner, name, ok := strings.Cut(strings.TrimPrefix(p, "/"), "/")
	if !ok || owner == "" || name == "" {
		return "", fmt.Errorf("%q: %w", raw, ErrBadPath)
	}
	if owner != identity {
		return "", fmt.Errorf("%s: %w", p, ErrPermissionDenied)
	}
	return p, nil
}

// bind reads the bind message and authorizes the session.
func (s *Server) bind(ctx context.Context, conn *websocket.Conn) (*session, error) {
	bctx, cancel := context.WithTimeout(ctx, s.config.BindTimeout)
	defer cancel()

	msg, err := protocol.Read(bctx, conn)
	if err != nil {
		return nil, &protocol.ErrorBody{Code: protocol.CodeBadRequest, Message: err.Error()}
	}
	if msg.Type != protocol.TypeBind {
		return nil, &protocol.ErrorBody{Code: protocol.CodeBadRequest, Message: fmt.Sprintf("expected bind, got %s", msg.Type)}
	}

	b := msg.Bind
	if b.Version != protocol.Version {
		return nil, &protocol.ErrorBody{Code: protocol.CodeBadRequest, Message: fmt.Sprintf("unsupported protocol version %d", b.Version)}
	}
	if b.Peer == "" {
		return nil, &protocol.ErrorBody{Code: protocol.CodeBadRequest, Message: "bind without peer"}
	}

	identity, err := s.store.ValidateToken(ctx, b.Token)
	if errors.Is(err, ErrInvalidToken) {
		return nil, &protocol.ErrorBody{Code: protocol.CodeUnauthorized, Message: err.Error()}
	}
	if err != nil {
		return nil, err
	}

	p, err := ExpandPath(b.Path, identity)
	if errors.Is(err, ErrPermissionDenied) {
		return nil, &protocol.ErrorBody{Code: protocol.CodePermissionDenied, Message: err.Error()}
	}
	if err != nil {
		return nil, &protocol.ErrorBody{Code: protocol.CodeBadRequest, Message: err.Error()}
	}

	return &session{
		s:        s,
		conn:     conn,
		identity: identity,
		path:     p,
		peer:     b.Peer,
		sent:     b.After,
		wake:     make(chan struct{}, 1),
	}, nil
}

// reject sends err to the client and closes the connection.
func (s *Server) reject(conn *websocket.Conn, err error) {
	var body *protocol.ErrorBody
	if !errors.As(err, &body) {
		s.logger.Printf("Bind failed: %v", err)
		body = &protocol.ErrorBody{Code: protocol.CodeInternal, Message: "internal error"}
	}
	body.Fatal = body.Code.Fatal()

	ctx, cancel := context.WithTimeout(s.ctx, s.config.BindTimeout)
	defer cancel()
	_ = protocol.Write(ctx, conn, protocol.Message{Type: protocol.TypeError, Error: body})
	_ = conn.Close(websocket.StatusPolicyViolation, string(body.Code))
}

// notify wakes the download loop without blocking.
func (sess *session) notify() {
	select {
	case sess.wake <- struct{}{}:
	default:
	}
}

// serve runs the upload and download loops until either ends.
func (sess *session) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sess.readLoop(gctx) })
	g.Go(func() error { return sess.downloadLoop(gctx) })
	return g.Wait()
}

// readLoop integrates uploads and acks them.
func (sess *session) readLoop(ctx context.Context) error {
	for {
		msg, err := protocol.Read(ctx, sess.conn)
		if err != nil {
			return err
		}

		if msg.Type != protocol.TypeUpload {
			if err := protocol.Write(ctx, sess.conn, protocol.NewError(protocol.CodeBadRequest, "unexpected %s message", msg.Type)); err != nil {
				return err
			}
			continue
		}

		res, err := sess.s.store.Append(ctx, sess.path, sess.peer, msg.Upload.Changesets)
		if err != nil {
			_ = protocol.Write(ctx, sess.conn, protocol.NewError(protocol.CodeInternal, "failed to integrate upload"))
			return err
		}
		if err := protocol.Write(ctx, sess.conn, protocol.NewAck(res.AckedClientVersion, res.LatestServerVersion)); err != nil {
			return err
		}

		sess.s.metrics.Integrated(res.Appended)
		if res.Appended > 0 {
			sess.s.Broadcast(sess.path)
		}
	}
}

// downloadLoop streams history the client has not seen. The first pass ends
// with a CaughtUp download; later passes run whenever the path's history
// grows.
func (sess *session) downloadLoop(ctx context.Context) error {
	caughtUp := false
	limit := sess.s.config.BatchSize

	for {
		for {
			batch, err := sess.s.store.HistoryAfter(ctx, sess.path, sess.sent, limit)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				if !caughtUp {
					caughtUp = true
					if err := protocol.Write(ctx, sess.conn, protocol.NewDownload(nil, sess.sent, true)); err != nil {
						return err
					}
				}
				break
			}

			final := len(batch) < limit
			if final {
				caughtUp = true
			}
			latest := batch[len(batch)-1].ServerVersion
			if err := protocol.Write(ctx, sess.conn, protocol.NewDownload(sess.foreign(batch), latest, caughtUp)); err != nil {
				return err
			}
			sess.sent = latest

			if final {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-sess.wake:
		}
	}
}

// foreign drops the session's own changesets; the client already has them.
func (sess *session) foreign(batch []journal.Changeset) []journal.Changeset {
	out := make([]journal.Changeset, 0, len(batch))
	for _, cs := range batch {
		if cs.Peer == sess.peer {
			continue
		}
		out = append(out, cs)
	}
	return out
}
