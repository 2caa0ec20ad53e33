package protocol

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WSChannel adapts a coder/websocket connection to Channel.
type WSChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWSChannel wraps conn. The caller must not use conn directly afterwards.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{conn: conn}
}

func (c *WSChannel) Send(ctx context.Context, m Message) error {
	env, err := toEnvelope(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsjson.Write(ctx, c.conn, env); err != nil {
		return mapWSErr(err)
	}
	return nil
}

func (c *WSChannel) Receive(ctx context.Context) (Message, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, mapWSErr(err)
	}
	msg, err := Decode(data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return msg, nil
}

func (c *WSChannel) Close(code int, reason string) error {
	err := c.conn.Close(websocket.StatusCode(code), reason)
	if err != nil {
		c.conn.CloseNow()
	}
	return nil
}

func mapWSErr(err error) error {
	if status := websocket.CloseStatus(err); status != -1 {
		var ce websocket.CloseError
		reason := ""
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		return &CloseError{Code: int(status), Reason: reason}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &CloseError{Code: CloseInternalErr, Reason: err.Error()}
}
