// Package ws wraps gorilla/websocket with the text-frame send discipline the
// relay needs: one writer at a time per socket and best-effort delivery.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWriteTimeout = 10 * time.Second

// Conn is a websocket connection carrying relay text frames. Sends are
// serialized internally; gorilla permits only one concurrent writer.
type Conn struct {
	c *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// UpgraderOptions exposes a small set of websocket upgrader controls.
type UpgraderOptions struct {
	ReadBufferSize  int                        // Read buffer size for upgrader.
	WriteBufferSize int                        // Write buffer size for upgrader.
	CheckOrigin     func(r *http.Request) bool // Optional origin check; nil allows all.
	WriteTimeout    time.Duration              // Per-frame write deadline (0 uses the default).
}

// Upgrade upgrades an HTTP request to a relay websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgraderOptions) (*Conn, error) {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	if up.CheckOrigin == nil {
		up.CheckOrigin = func(*http.Request) bool { return true }
	}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newConn(c, opts.WriteTimeout), nil
}

// DialOptions provides optional headers for websocket dialing.
type DialOptions struct {
	Header       http.Header // Optional headers for the handshake request.
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

// Dial opens a websocket connection with a deadline-aware handshake.
func Dial(ctx context.Context, urlStr string, opts DialOptions) (*Conn, *http.Response, error) {
	var d websocket.Dialer
	if opts.Dialer != nil {
		d = *opts.Dialer
	}
	if deadline, ok := ctx.Deadline(); ok {
		dl := time.Until(deadline)
		if d.HandshakeTimeout == 0 || d.HandshakeTimeout > dl {
			d.HandshakeTimeout = dl
		}
	}
	c, resp, err := d.DialContext(ctx, urlStr, opts.Header)
	if err != nil {
		return nil, resp, err
	}
	return newConn(c, opts.WriteTimeout), resp, nil
}

func newConn(c *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Conn{c: c, writeTimeout: writeTimeout}
}

// SetReadLimit forwards the read limit to the underlying websocket.
func (c *Conn) SetReadLimit(n int64) {
	c.c.SetReadLimit(n)
}

// ReadText blocks for the next frame and returns it as text. Binary frames
// are tolerated and interpreted as UTF-8, matching what browser and agent
// peers actually send.
func (c *Conn) ReadText() (string, error) {
	for {
		mt, b, err := c.c.ReadMessage()
		if err != nil {
			return "", err
		}
		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
			return string(b), nil
		default:
			// Control frames are handled by gorilla; skip anything else.
		}
	}
}

// SendText writes one text frame. Callers on the relay path ignore the error:
// a failed send must never disturb other peers.
func (c *Conn) SendText(data string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.c.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.c.WriteMessage(websocket.TextMessage, []byte(data))
}

// SendJSON marshals the payload and sends it as a text frame.
func (c *Conn) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendText(string(b))
}

// CloseWithStatus sends a close control frame before closing.
func (c *Conn) CloseWithStatus(code int, text string) error {
	c.writeMu.Lock()
	_ = c.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(2*time.Second))
	c.writeMu.Unlock()
	return c.c.Close()
}

// Close closes the websocket connection.
func (c *Conn) Close() error {
	return c.c.Close()
}

// Underlying exposes the raw gorilla/websocket connection.
func (c *Conn) Underlying() *websocket.Conn {
	return c.c
}
