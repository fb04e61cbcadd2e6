package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Conn is a live connection to the speech model. Reads happen from a single
// goroutine; writes may come from several and are serialized internally.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// Dial opens a model session at url authenticated with the given API key.
func Dial(ctx context.Context, url, apiKey string) (*Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("model dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("model dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &Conn{ws: ws}, nil
}

// Send marshals and writes one client event.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode model event: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes a pre-encoded client event.
func (c *Conn) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ReadEvent blocks for the next server event and decodes it. The caller owns
// the read loop; ReadEvent must not be called concurrently.
func (c *Conn) ReadEvent() (any, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return DecodeServerEvent(data)
}

// Close tears the websocket down. Safe to call more than once.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(time.Second)
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}
