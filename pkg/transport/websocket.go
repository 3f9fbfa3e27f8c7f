// Package transport connects the bridge core to a TDLib JSON gateway.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/lrhodin/tdbridge/pkg/tdapi"
)

const (
	wsSubprotocol  = "tdjson.v1"
	wsReadLimit    = 16 << 20
	wsWriteTimeout = 10 * time.Second
	wsCloseReason  = "bridge shutting down"
)

// WSTransport speaks the tagged JSON gateway dialect over one websocket.
// Send and Receive may be called from different goroutines.
type WSTransport struct {
	conn *websocket.Conn
	log  zerolog.Logger
}

var _ tdapi.Transport = (*WSTransport)(nil)

type DialOptions struct {
	Header http.Header
	Log    zerolog.Logger
}

func Dial(ctx context.Context, url string, opts DialOptions) (*WSTransport, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader:   opts.Header,
		Subprotocols: []string{wsSubprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)
	return &WSTransport{conn: conn, log: opts.Log}, nil
}

// NewWSTransport wraps an already established connection, e.g. one accepted
// by a gateway-side server.
func NewWSTransport(conn *websocket.Conn, log zerolog.Logger) *WSTransport {
	conn.SetReadLimit(wsReadLimit)
	return &WSTransport{conn: conn, log: log}
}

func (t *WSTransport) Send(ctx context.Context, id tdapi.RequestID, call tdapi.Call) error {
	data, err := tdapi.EncodeCall(id, call)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// SendItem writes a response or update. Only gateway-side code needs it.
func (t *WSTransport) SendItem(ctx context.Context, item tdapi.Item) error {
	data, err := tdapi.EncodeItem(item)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// Receive blocks until the next decodable item arrives. A response that
// carries a request id but cannot be decoded is surfaced as *tdapi.Error so
// the waiting operation still gets resolved.
func (t *WSTransport) Receive(ctx context.Context) (tdapi.Item, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			return tdapi.Item{}, err
		}
		if typ != websocket.MessageText {
			t.log.Warn().Int("message_type", int(typ)).Msg("Ignoring non-text gateway frame")
			continue
		}
		item, err := tdapi.DecodeItem(data)
		switch {
		case err == nil:
			return item, nil
		case item.RequestID != 0:
			item.Object = &tdapi.Error{Code: -1, Message: err.Error()}
			return item, nil
		default:
			t.log.Warn().Err(err).Msg("Dropping undecodable gateway frame")
		}
	}
}

func (t *WSTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, wsCloseReason)
}
