package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/OADA/jobs/internal/core"

	apperrors "github.com/OADA/jobs/internal/errors"
)

const (
	// watchBuffer is the per-subscription delivery channel capacity.
	watchBuffer = 32
	// handshakeTimeout bounds the dial plus the watch acknowledgement.
	handshakeTimeout = 10 * time.Second
	// pongWait is how long a silent connection is trusted before a redial.
	pongWait = 60 * time.Second
	// pingPeriod spaces keepalive pings. Must stay under pongWait.
	pingPeriod = (pongWait * 9) / 10
	// writeWait bounds frame writes.
	writeWait = 10 * time.Second
	// reconnectMin and reconnectMax bound the redial backoff.
	reconnectMin = 200 * time.Millisecond
	reconnectMax = 30 * time.Second
)

// wsRequest is one frame sent to the store's websocket endpoint. Auth rides
// in the frame headers, mirroring the REST Authorization header.
type wsRequest struct {
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// wsFrame is one frame received from the store: the acknowledgement of a
// request, or a change notification for an open watch.
type wsFrame struct {
	RequestID requestIDs `json:"requestId"`
	Status    int        `json:"status"`
	Change    []wsChange `json:"change"`
}

// wsChange is one node of a change document. The root node has an empty
// path and carries the watched resource's new revision in its body.
type wsChange struct {
	ResourceID string         `json:"resource_id"`
	Type       string         `json:"type"`
	Path       string         `json:"path"`
	Body       map[string]any `json:"body"`
}

// requestIDs tolerates stores sending the id as a bare string or an array.
type requestIDs []string

func (r *requestIDs) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*r = requestIDs{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*r = many
	return nil
}

func (r requestIDs) contains(id string) bool {
	for _, candidate := range r {
		if candidate == id {
			return true
		}
	}
	return false
}

// stream is one change subscription over its own websocket connection. The
// read loop redials collapsed connections and re-registers the watch from
// the revision of the last delivered change, so consumers see a single
// continuous feed.
type stream struct {
	client *Client
	path   string
	logger *slog.Logger

	changes chan core.Change
	done    chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	connStop func() bool
	rev      string
	closed   bool
}

var _ core.Watch = (*stream)(nil)

// Watch implements core.Store.
func (c *Client) Watch(ctx context.Context, req core.WatchRequest) (core.Watch, error) {
	w := &stream{
		client:  c,
		path:    req.Path,
		logger:  c.logger.With("watch_path", req.Path),
		changes: make(chan core.Change, watchBuffer),
		done:    make(chan struct{}),
		rev:     req.Rev,
	}
	conn, err := w.dial(ctx)
	if err != nil {
		return nil, err
	}
	if !w.setConn(ctx, conn) {
		return nil, ctx.Err()
	}
	go w.run(ctx)
	go w.keepalive(ctx)
	return w, nil
}

// Changes implements core.Watch.
func (w *stream) Changes() <-chan core.Change { return w.changes }

// Close implements core.Watch. The Changes channel closes once the read
// loop winds down.
func (w *stream) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	if w.connStop != nil {
		w.connStop()
	}
	w.mu.Unlock()
	close(w.done)

	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(writeWait)
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, message, deadline)
	return conn.Close()
}

// dial opens a connection and registers the watch on it, resuming from the
// last delivered revision when one is known.
func (w *stream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, w.client.wsURL, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			drain(resp)
		}
		return nil, apperrors.Transientf(err, "dial %s", w.client.wsURL)
	}

	id := uuid.NewString()
	headers := map[string]string{"authorization": "Bearer " + w.client.token}
	if rev := w.lastRev(); rev != "" {
		headers["x-oada-rev"] = rev
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(wsRequest{
		RequestID: id,
		Method:    "watch",
		Path:      w.path,
		Headers:   headers,
	}); err != nil {
		_ = conn.Close()
		return nil, apperrors.Transientf(err, "register watch on %s", w.path)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	// The acknowledgement arrives before any change flows.
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			_ = conn.Close()
			return nil, apperrors.Transientf(err, "await watch acknowledgement on %s", w.path)
		}
		if !frame.RequestID.contains(id) {
			continue
		}
		if frame.Status != http.StatusOK {
			_ = conn.Close()
			err := fmt.Errorf("status %d", frame.Status)
			return nil, apperrors.Request(err, fmt.Sprintf("watch %s", w.path))
		}
		break
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return conn, nil
}

// run is the sole reader. It delivers change frames and redials whenever
// the connection collapses underneath the subscription.
func (w *stream) run(ctx context.Context) {
	defer close(w.changes)

	backoff := reconnectMin
	for {
		err := w.read(ctx)
		if w.isClosed() || ctx.Err() != nil {
			return
		}
		w.logger.Warn("change stream collapsed, redialing", "error", err)

		for {
			select {
			case <-w.done:
				return
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			conn, dialErr := w.dial(ctx)
			if dialErr == nil {
				if !w.setConn(ctx, conn) {
					return
				}
				backoff = reconnectMin
				break
			}
			w.logger.Warn("watch redial failed", "error", dialErr)
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
		}
	}
}

// read consumes frames from the current connection until it fails. Only the
// root node of each change document is delivered; descendant nodes repeat
// what the root merge already carries.
func (w *stream) read(ctx context.Context) error {
	conn := w.currentConn()
	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		for _, change := range frame.Change {
			if change.Path != "" {
				continue
			}
			delivered := core.Change{
				Type: core.ChangeType(change.Type),
				Path: change.Path,
				Body: change.Body,
				Rev:  revString(change.Body["_rev"]),
			}
			select {
			case w.changes <- delivered:
				if delivered.Rev != "" {
					w.setRev(delivered.Rev)
				}
			case <-w.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// keepalive pings the live connection so half-open drops surface as read
// deadline misses instead of silent stalls.
func (w *stream) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn := w.currentConn()
			if conn == nil {
				continue
			}
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				w.logger.Debug("keepalive ping failed", "error", err)
			}
		}
	}
}

// setConn installs a freshly dialed connection, or refuses it when the
// subscription already ended. The close hook makes a blocked reader notice
// context cancellation without waiting out the read deadline.
func (w *stream) setConn(ctx context.Context, conn *websocket.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.connStop != nil {
		w.connStop()
	}
	if w.closed || ctx.Err() != nil {
		_ = conn.Close()
		return false
	}
	w.conn = conn
	w.connStop = context.AfterFunc(ctx, func() { _ = conn.Close() })
	return true
}

func (w *stream) currentConn() *websocket.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

func (w *stream) setRev(rev string) {
	w.mu.Lock()
	w.rev = rev
	w.mu.Unlock()
}

func (w *stream) lastRev() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rev
}

func (w *stream) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// revString renders the _rev value a change body carries. Stores send it as
// a number; strings are tolerated.
func revString(v any) string {
	switch rev := v.(type) {
	case float64:
		return strconv.FormatInt(int64(rev), 10)
	case string:
		return rev
	case json.Number:
		return rev.String()
	default:
		return ""
	}
}
