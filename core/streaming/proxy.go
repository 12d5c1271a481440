package streaming

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Direction names one half of a proxied session
type Direction string

const (
	ClientToRemote Direction = "client->remote"
	RemoteToClient Direction = "remote->client"
)

// ProxyError reports which direction ended the session first.
type ProxyError struct {
	Direction Direction
	Err       error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Direction, e.Err)
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

// IsNormalClose reports whether err is an orderly end of a proxied session:
// a close frame from either side or cancellation.
func IsNormalClose(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
		return true
	}
	return false
}

// WebSocketProxy copies frames in both directions between client and remote
// until one side fails or closes. Within one direction frames keep their
// order and type.
type WebSocketProxy struct {
	client *websocket.Conn
	remote *websocket.Conn
	logger zerolog.Logger
}

// NewWebSocketProxy creates a proxy. The caller keeps ownership of both
// connections and closes them after Run returns.
func NewWebSocketProxy(client, remote *websocket.Conn, logger zerolog.Logger) *WebSocketProxy {
	return &WebSocketProxy{client: client, remote: remote, logger: logger}
}

// Run blocks until the first direction ends or ctx is cancelled, then
// unblocks the other direction and waits for it before returning the
// first error.
func (p *WebSocketProxy) Run(ctx context.Context) error {
	errChan := make(chan error, 2)

	go p.forward(p.client, p.remote, ClientToRemote, errChan)
	go p.forward(p.remote, p.client, RemoteToClient, errChan)

	var first error
	pending := 2
	select {
	case first = <-errChan:
		pending--
	case <-ctx.Done():
		first = ctx.Err()
	}
	p.logger.Debug().Err(first).Msg("Proxy terminating")

	// Expired deadlines unblock any pending read or write.
	now := time.Now()
	for _, c := range []*websocket.Conn{p.client, p.remote} {
		c.SetReadDeadline(now)
		c.SetWriteDeadline(now)
	}

	for ; pending > 0; pending-- {
		<-errChan
	}

	return first
}

func (p *WebSocketProxy) forward(src, dst *websocket.Conn, dir Direction, errChan chan<- error) {
	defer p.logger.Debug().Str("direction", string(dir)).Msg("Proxy goroutine exiting")

	for {
		messageType, data, err := src.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				// pass the peer's close on to the other side
				msg := websocket.FormatCloseMessage(ce.Code, ce.Text)
				dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			}
			errChan <- &ProxyError{Direction: dir, Err: err}
			return
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		if err := dst.WriteMessage(messageType, data); err != nil {
			errChan <- &ProxyError{Direction: dir, Err: err}
			return
		}
	}
}
