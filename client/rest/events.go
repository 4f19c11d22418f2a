package rest

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/trezcool/kanisa/core/events"
)

// EventStream feeds server-pushed events received over a websocket into a broker.
// It implements events.Source.
type EventStream struct {
	conn   *websocket.Conn
	broker *events.Broker
	done   chan struct{}
	closed chan struct{}
	err    error
	once   sync.Once
}

var _ events.Source = (*EventStream)(nil) // interface compliance check

// Events dials the API's event websocket. The stream runs until Close or until the server hangs up.
func (c *Client) Events(ctx context.Context) (*EventStream, error) {
	u := *c.baseURL
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1) // http -> ws, https -> wss
	u.Path += "/v1/events/ws"

	header := make(http.Header)
	if token := c.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode >= http.StatusBadRequest {
				return nil, decodeError(resp)
			}
		}
		return nil, errors.Wrap(err, "dialing events websocket")
	}

	stream := &EventStream{
		conn:   conn,
		broker: events.NewBroker(),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go stream.read()
	return stream, nil
}

func (s *EventStream) read() {
	defer close(s.done)
	for {
		var evt events.Event
		if err := s.conn.ReadJSON(&evt); err != nil {
			select {
			case <-s.closed:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.err = errors.Wrap(err, "reading event")
				}
			}
			return
		}
		s.broker.Publish(evt)
	}
}

func (s *EventStream) Subscribe(kind events.Kind, fn events.Handler) func() {
	return s.broker.Subscribe(kind, fn)
}

func (s *EventStream) SubscribeAll(fn events.Handler) func() {
	return s.broker.SubscribeAll(fn)
}

// Done is closed once the stream stops reading.
func (s *EventStream) Done() <-chan struct{} { return s.done }

// Err returns why the stream stopped, nil after a normal close. Only meaningful once Done is closed.
func (s *EventStream) Err() error { return s.err }

// Close hangs up and waits for the reader to stop.
func (s *EventStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
		err = s.conn.Close()
		<-s.done
	})
	return err
}
