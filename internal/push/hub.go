package push

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	sendQueueSize  = 16
	writeTimeout   = 10 * time.Second
	dialTimeout    = 10 * time.Second
	maxBackoff     = 30 * time.Second
	initialBackoff = time.Second
)

// Hub pushes state snapshots to registered websocket receivers. Each
// receiver gets its own goroutine owning the connection end to end, with
// a bounded queue in front; a dead or slow receiver costs dropped frames,
// never a blocked polling cycle.
type Hub struct {
	token string
	log   *logrus.Entry

	mu     sync.Mutex
	subs   map[string]*subscriber
	closed bool
}

type subscriber struct {
	url    string
	name   string
	sendCh chan []byte
	done   chan struct{}
	log    *logrus.Entry
}

func NewHub(token string) *Hub {
	return &Hub{
		token: token,
		log:   logrus.WithField("component", "push"),
		subs:  make(map[string]*subscriber),
	}
}

// Register adds a receiver and starts its connection loop. Registering an
// already-known URL is a no-op, so clients can re-register on restart.
func (h *Hub) Register(rawURL, name string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid websocket URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("websocket URL must use ws or wss scheme, got %q", u.Scheme)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("push hub is shut down")
	}
	if _, ok := h.subs[rawURL]; ok {
		return nil
	}

	if name == "" {
		name = u.Host
	}
	s := &subscriber{
		url:    rawURL,
		name:   name,
		sendCh: make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		log:    h.log.WithField("receiver", name),
	}
	h.subs[rawURL] = s
	go h.run(s)

	h.log.WithFields(logrus.Fields{"receiver": name, "url": rawURL}).
		Info("Push receiver registered")
	return nil
}

// Unregister stops the receiver's connection loop. Returns false when the
// URL was never registered.
func (h *Hub) Unregister(rawURL string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.subs[rawURL]
	if !ok {
		return false
	}
	delete(h.subs, rawURL)
	close(s.done)
	return true
}

// Receivers lists the registered receiver names.
func (h *Hub) Receivers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.subs))
	for _, s := range h.subs {
		names = append(names, s.name)
	}
	return names
}

// SendUpdate fans a snapshot out to every receiver. Never blocks and
// never fails the caller: a receiver whose queue is full loses this frame
// and catches up on the next one.
func (h *Hub) SendUpdate(payload *UpdatePayload) {
	raw, err := json.Marshal(Message{Type: TypeUpdate, Data: payload})
	if err != nil {
		h.log.WithError(err).Error("Failed to encode push payload")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		select {
		case s.sendCh <- raw:
		default:
			s.log.Warn("Push queue full, dropping frame")
		}
	}
}

// Close stops all receiver loops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for url, s := range h.subs {
		close(s.done)
		delete(h.subs, url)
	}
}

// run owns one receiver's connection for its whole lifetime: dial,
// handshake, pump frames, and on any failure back off and redial.
func (h *Hub) run(s *subscriber) {
	attempts := 0
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn, err := h.dial(s)
		if err != nil {
			attempts++
			delay := backoffDelay(attempts)
			s.log.WithError(err).WithField("retry_in", delay).Warn("Push connect failed")
			select {
			case <-s.done:
				return
			case <-time.After(delay):
			}
			continue
		}

		attempts = 0
		s.log.Info("Push connection established")
		h.serve(s, conn)
		conn.Close()
	}
}

func (h *Hub) dial(s *subscriber) (*websocket.Conn, error) {
	target := s.url
	if h.token != "" {
		u, err := url.Parse(s.url)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("token", h.token)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(target, nil)
	return conn, err
}

// serve pumps queued frames until the connection or the subscriber dies.
// A reader goroutine drains control replies; its exit means the peer hung
// up even if we had nothing to send.
func (h *Hub) serve(s *subscriber, conn *websocket.Conn) {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Opening ping proves the receiver actually speaks the protocol
	// before any snapshot goes out.
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(Message{Type: TypePing}); err != nil {
		s.log.WithError(err).Warn("Push handshake failed")
		return
	}

	for {
		select {
		case <-s.done:
			return
		case <-readDone:
			s.log.Warn("Push connection closed by receiver")
			return
		case raw := <-s.sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.log.WithError(err).Warn("Push write failed")
				return
			}
		}
	}
}

// backoffDelay doubles per consecutive failure, 1s up to the 30s cap.
func backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 6 {
		return maxBackoff
	}
	delay := initialBackoff << uint(attempts-1)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}
