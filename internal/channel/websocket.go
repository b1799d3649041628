package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Maximum message size allowed from the service (media payloads arrive as binary frames)
	maxMessageSize = 16 * 1024 * 1024

	// Time allowed to write the close frame during teardown
	closeWait = time.Second
)

// WebSocketDialer dials the conversation service over gorilla/websocket
type WebSocketDialer struct {
	URL          string
	ClientID     string
	WriteTimeout time.Duration

	// IdleTimeout closes the transport when nothing (frames or pongs) arrives
	// for this long. Zero disables it.
	IdleTimeout time.Duration

	dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer for rawURL; clientID is sent as the
// client_id query parameter so the service maps reconnects to one session
func NewWebSocketDialer(rawURL, clientID string, writeTimeout, idleTimeout time.Duration) *WebSocketDialer {
	return &WebSocketDialer{
		URL:          rawURL,
		ClientID:     clientID,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   16384,
			WriteBufferSize:  16384,
		},
	}
}

func (d *WebSocketDialer) endpoint() (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", d.URL, err)
	}
	if d.ClientID != "" {
		q := u.Query()
		q.Set("client_id", d.ClientID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial opens a websocket transport
func (d *WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}

	conn, resp, err := d.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	t := &wsTransport{
		conn:         conn,
		writeTimeout: d.WriteTimeout,
		idleTimeout:  d.IdleTimeout,
	}

	conn.SetReadLimit(maxMessageSize)
	t.touch()
	conn.SetPongHandler(func(string) error {
		t.touch()
		return nil
	})

	return t, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	idleTimeout  time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (t *wsTransport) touch() {
	if t.idleTimeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.idleTimeout))
	}
}

func (t *wsTransport) ReadFrame() (Frame, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		t.touch()

		switch messageType {
		case websocket.TextMessage:
			return Frame{Data: data}, nil
		case websocket.BinaryMessage:
			return Frame{Binary: true, Data: data}, nil
		}
	}
}

func (t *wsTransport) WriteFrame(f Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}

	messageType := websocket.TextMessage
	if f.Binary {
		messageType = websocket.BinaryMessage
	}
	return t.conn.WriteMessage(messageType, f.Data)
}

// Close sends a close frame best-effort and releases the connection. Closing
// an already closed transport is not an error.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		if cerr := t.conn.Close(); cerr != nil && !errors.Is(cerr, websocket.ErrCloseSent) {
			err = cerr
		}
	})
	return err
}
