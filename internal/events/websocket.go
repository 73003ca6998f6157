package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSubscriber reads the server's /ws/orders stream. Each Subscribe
// call opens its own connection, so each view gets its own FIFO.
type WebSocketSubscriber struct {
	url    string
	dialer *websocket.Dialer
	log    *slog.Logger
}

func NewWebSocketSubscriber(url string, log *slog.Logger) *WebSocketSubscriber {
	return &WebSocketSubscriber{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		log: log.With("component", "events.websocket"),
	}
}

var _ Subscriber = (*WebSocketSubscriber)(nil)

func (s *WebSocketSubscriber) Subscribe(ctx context.Context) (Subscription, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.url, err)
	}
	sub := &wsSub{conn: conn, out: make(chan Event), done: make(chan struct{})}
	go sub.read(s.log)
	return sub, nil
}

type wsSub struct {
	conn *websocket.Conn
	out  chan Event
	done chan struct{}
	once sync.Once
}

func (s *wsSub) read(log *slog.Logger) {
	defer close(s.out)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Warn("event stream closed", "error", err)
			}
			return
		}
		ev, err := Decode(data)
		if err != nil {
			log.Warn("dropping malformed event", "error", err)
			continue
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *wsSub) Events() <-chan Event { return s.out }

func (s *wsSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
