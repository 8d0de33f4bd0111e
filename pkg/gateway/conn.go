package gateway

import (
	"errors"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-wren/pkg/protocol"
	"github.com/teslashibe/go-wren/pkg/session"
)

const (
	// writeWait is how long to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound messages. Audio frames top out at
	// 64KB of payload plus the frame header.
	maxMessageSize = 128 * 1024

	// sendBuffer is the outbound queue depth. A full queue means the
	// device stopped reading; sends fail with ErrSendQueueFull, which
	// aborts the in-flight turn while the connection stays up for
	// control traffic.
	sendBuffer = 256
)

// ErrSendQueueFull is returned when the device cannot keep up with the
// outbound audio stream.
var ErrSendQueueFull = errors.New("gateway: send queue full, device not reading")

// outbound is one queued write: a JSON control message or a binary frame.
type outbound struct {
	binary bool
	data   []byte
}

// wsConn adapts a fiber websocket connection to the session Transport.
// All writes funnel through a single writer goroutine.
type wsConn struct {
	conn *websocket.Conn
	send chan outbound
	done chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn: conn,
		send: make(chan outbound, sendBuffer),
		done: make(chan struct{}),
	}
}

// SendControl queues a JSON control message.
func (c *wsConn) SendControl(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	return c.enqueue(outbound{data: data})
}

// SendAudio wraps the payload in a binary frame and queues it.
func (c *wsConn) SendAudio(payload []byte) error {
	data, err := protocol.EncodeFrame(protocol.Frame{
		Type:    protocol.FrameAudio,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return c.enqueue(outbound{binary: true, data: data})
}

func (c *wsConn) enqueue(out outbound) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}

	select {
	case c.send <- out:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	default:
		return ErrSendQueueFull
	}
}

// Close stops the writer; the read loop notices the closed socket and exits.
func (c *wsConn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}
	return nil
}

// writePump is the only goroutine that writes to the socket.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case out := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			wsType := websocket.TextMessage
			if out.binary {
				wsType = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(wsType, out.data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readLoop feeds inbound traffic to the session until the socket closes.
func (c *wsConn) readLoop(sess *session.Session, onError func(error)) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			frame, _, err := protocol.DecodeFrame(data)
			if err != nil {
				onError(err)
				continue
			}
			if frame.Type == protocol.FrameAudio {
				sess.HandleAudio(frame.Payload)
			}

		case websocket.TextMessage:
			msg, err := protocol.ParseMessage(data)
			if err != nil {
				onError(err)
				continue
			}
			if err := sess.HandleControl(msg); err != nil {
				onError(err)
			}
			if msg.Type == protocol.TypeGoodbye {
				return
			}
		}
	}
}

// readHello blocks until the device sends its hello handshake.
func (c *wsConn) readHello() (*protocol.HelloData, error) {
	c.conn.SetReadDeadline(time.Now().Add(writeWait))

	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, errors.New("gateway: expected hello before audio")
	}

	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return nil, err
	}
	if msg.Type != protocol.TypeHello {
		return nil, errors.New("gateway: first message must be hello")
	}

	var hello protocol.HelloData
	if err := msg.ParseData(&hello); err != nil {
		return nil, err
	}
	if hello.DeviceID == "" {
		return nil, errors.New("gateway: hello missing device_id")
	}
	return &hello, nil
}
