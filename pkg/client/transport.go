package client

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"

	"github.com/palettelabs/palettesync/pkg/protocol"
)

// ErrTransportClosed is returned by Recv and Send after Close.
var ErrTransportClosed = errors.New("client: transport closed")

// Transport is one live connection to the gateway. Recv blocks until an
// event arrives or the connection dies; Send must be safe to call from the
// session loop while Recv blocks on the reader goroutine.
type Transport interface {
	Send(ev protocol.Event) error
	Recv() (protocol.Event, error)
	Close() error
}

// Dialer opens transports. The session redials through the same Dialer on
// every reconnect attempt.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebSocketDialer dials the gateway over WebSocket.
type WebSocketDialer struct {
	// Dialer is the underlying gorilla dialer.
	// Nil means websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Dial opens a WebSocket transport.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	wsd := d.Dialer
	if wsd == nil {
		wsd = websocket.DefaultDialer
	}
	ws, _, err := wsd.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{ws: ws}, nil
}

type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) Send(ev protocol.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Recv() (protocol.Event, error) {
	_, data, err := t.ws.ReadMessage()
	if err != nil {
		return protocol.Event{}, err
	}
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		return protocol.Event{}, err
	}
	return *ev, nil
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}
