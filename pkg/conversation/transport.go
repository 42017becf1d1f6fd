package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teslashibe/go-talkinghead/internal/httpc"
)

// Subprotocols offered during the WebSocket handshake.
var Subprotocols = []string{"realtime", "v1"}

// MessageKind distinguishes text and binary frames.
type MessageKind int

const (
	TextMessage MessageKind = iota + 1
	BinaryMessage
)

// String returns "text" or "binary".
func (k MessageKind) String() string {
	switch k {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}

// Transport is an open message-oriented connection to the agent.
// ReadMessage is called from one goroutine; WriteMessage and Close from
// another. A normal close by the peer is reported as ErrConnectionClosed.
type Transport interface {
	ReadMessage() (MessageKind, []byte, error)
	WriteMessage(kind MessageKind, data []byte) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Transport, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

// NewWebSocketDialer returns a dialer using the session timeouts.
func NewWebSocketDialer(cfg *Config) *WebSocketDialer {
	return &WebSocketDialer{
		HandshakeTimeout: cfg.Timeout,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
	}
}

// Dial connects, offering Subprotocols.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Transport, error) {
	dialer := websocket.Dialer{
		NetDialContext:   httpc.NewDialer(d.HandshakeTimeout).DialContext,
		TLSClientConfig:  httpc.TLSConfig(),
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     Subprotocols,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, newHandshakeError(resp.StatusCode, err)
		}
		return nil, NewTransportError("dial failed", err)
	}

	return &wsTransport{
		conn:         conn,
		readTimeout:  d.ReadTimeout,
		writeTimeout: d.WriteTimeout,
	}, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (t *wsTransport) ReadMessage() (MessageKind, []byte, error) {
	if t.readTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}

	mt, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return 0, nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		return 0, nil, NewTransportError("read failed", err)
	}

	switch mt {
	case websocket.BinaryMessage:
		return BinaryMessage, data, nil
	default:
		return TextMessage, data, nil
	}
}

func (t *wsTransport) WriteMessage(kind MessageKind, data []byte) error {
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}

	mt := websocket.TextMessage
	if kind == BinaryMessage {
		mt = websocket.BinaryMessage
	}
	if err := t.conn.WriteMessage(mt, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrNotConnected
		}
		return NewTransportError("write failed", err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		err = t.conn.Close()
	})
	return err
}

var _ Dialer = (*WebSocketDialer)(nil)
