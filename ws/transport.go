package ws

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// Frame is a single raw message read from the socket.
type Frame struct {
	Type websocket.MessageType
	Data []byte
}

// Message is an item of an outbound queue: either a frame to write or the Reconnect sentinel.
type Message struct {
	Type websocket.MessageType
	Data []byte

	reconnect bool
}

// Reconnect makes the writer close the socket with StatusReconnect, which Open then retries.
var Reconnect = Message{reconnect: true}

func (m Message) IsReconnect() bool {
	return m.reconnect
}

// Conn is the part of *websocket.Conn the transport uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type DialFunc func(ctx context.Context, url string) (Conn, error)

type Transport struct {
	Dial DialFunc
}

func NewTransport() *Transport {
	return &Transport{
		Dial: dialWebsocket,
	}
}

func dialWebsocket(ctx context.Context, url string) (Conn, error) {
	headers := http.Header{}
	headers.Add("accept-encoding", "zlib")

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
		HTTPHeader:      headers,
	})
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(4294967296)

	return conn, nil
}

// Handler receives inbound frames. ctx is cancelled when the session that read the frame ends.
type Handler func(ctx context.Context, frame Frame) error

// Open runs socket sessions against url() until one ends with something other than a
// StatusReconnect close. Every frame read is passed to handle, in order; an error from
// handle ends the session with that error. url is evaluated again for every session.
//
// A nil return means out was closed.
func (t *Transport) Open(ctx context.Context, url func() string, out <-chan Message, handle Handler) error {
	for {
		target := url()
		err := t.session(ctx, target, out, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !IsReconnect(err) {
			return err
		}

		logrus.Debugf("websocket: reconnecting to %s", target)
	}
}

// session dials a single socket and runs the duplex until either side terminates.
// The socket is closed before session returns.
func (t *Transport) session(ctx context.Context, url string, out <-chan Message, handle Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := t.Dial(ctx, url)
	if err != nil {
		return &Error{Kind: KindError, Cause: err}
	}

	// closed by the writer before it closes the socket with StatusReconnect
	reconnecting := make(chan struct{})

	errs := make(chan error, 2)
	go func() {
		errs <- recv(ctx, conn, handle)
	}()

	go func() {
		errs <- send(ctx, conn, out, reconnecting)
	}()

	err = <-errs

	// Release the socket so the other side unblocks, then wait for it
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	<-errs

	// The read side usually notices our own close first
	select {
	case <-reconnecting:
		return errReconnect()
	default:
		return err
	}
}

func errReconnect() *Error {
	return &Error{
		Kind:   KindClose,
		Code:   int(StatusReconnect),
		Reason: "reconnecting",
	}
}

func recv(ctx context.Context, conn Conn, handle Handler) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return classifyRead(err)
		}

		if err := handle(ctx, Frame{Type: typ, Data: data}); err != nil {
			return err
		}
	}
}

func send(ctx context.Context, conn Conn, out <-chan Message, reconnecting chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-out:
			if !ok {
				return nil
			}

			if msg.IsReconnect() {
				close(reconnecting)
				_ = conn.Close(StatusReconnect, "reconnecting")
				return errReconnect()
			}

			if err := conn.Write(ctx, msg.Type, msg.Data); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				return &Error{Kind: KindWrite, Cause: err}
			}
		}
	}
}
