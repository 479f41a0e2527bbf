package kucoin

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"fiatbridge/internal/bus"
	"fiatbridge/internal/core"
	"fiatbridge/internal/logging"
)

// Push topics consumed by the session. tradeOrders is the coarse
// order-status granularity, tradeOrdersV2 the fine-grained one.
const (
	TopicAccountBalance = "/account/balance"
	TopicTradeOrders    = "/spotMarket/tradeOrders"
	TopicTradeOrdersV2  = "/spotMarket/tradeOrdersV2"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultReconnectDelay = 5 * time.Second
	defaultMaxReconnects  = 5
	defaultPingInterval   = 18 * time.Second
)

type SessionOptions struct {
	// WSURLOverride bypasses the server-advertised endpoint when set.
	WSURLOverride        string
	ConnectTimeout       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = defaultMaxReconnects
	}
	return o
}

// Session maintains the long-lived push connection: bullet-token
// bootstrap, heartbeat, topic resubscription after reconnect, and frame
// decoding onto the event bus.
type Session struct {
	client *Client
	bus    *bus.Bus
	opts   SessionOptions
	log    *logrus.Entry

	mu         sync.Mutex
	state      core.SessionState
	conn       *websocket.Conn
	topics     map[string]bool // topic -> privateChannel
	topicOrder []string
	closed     bool
	generation uint64
	stopPing   chan struct{}

	writeMu sync.Mutex
	nextID  atomic.Uint64
}

func NewSession(client *Client, b *bus.Bus, opts SessionOptions) *Session {
	return &Session{
		client: client,
		bus:    b,
		opts:   opts.withDefaults(),
		log:    logging.Component("session"),
		state:  core.SessionDisconnected,
		topics: make(map[string]bool),
	}
}

func (s *Session) State() core.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state core.SessionState, attempts int, reason string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.bus.Emit(bus.TopicSessionState, core.SessionStateEvent{State: state, Attempts: attempts, Reason: reason})
}

// Connect bootstraps a session token and opens the push connection.
// Calling Connect while already connected is a no-op. A token bootstrap
// failure aborts immediately; it never enters the retry loop.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.SessionError{Reason: "session closed"}
	}
	if s.state == core.SessionConnected || s.state == core.SessionConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = core.SessionConnecting
	s.mu.Unlock()
	s.bus.Emit(bus.TopicSessionState, core.SessionStateEvent{State: core.SessionConnecting})

	if err := s.connectOnce(ctx); err != nil {
		s.setState(core.SessionDisconnected, 0, err.Error())
		return err
	}
	return nil
}

// connectOnce performs one full bootstrap-dial-confirm-resubscribe cycle.
func (s *Session) connectOnce(ctx context.Context) error {
	token, err := s.client.BulletPrivate(ctx)
	if err != nil {
		return core.SessionError{Reason: "token bootstrap", Err: err}
	}
	server := token.Servers[0]

	endpoint := server.Endpoint
	if s.opts.WSURLOverride != "" {
		endpoint = s.opts.WSURLOverride
	}
	wsURL := fmt.Sprintf("%s?token=%s&connectId=%s",
		endpoint, url.QueryEscape(token.Token), uuid.NewString())

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return core.TransportError{Op: "dial push endpoint", Err: err}
	}

	// The connection is not usable until the server confirms with a
	// welcome frame.
	if err := s.awaitWelcome(conn); err != nil {
		_ = conn.Close()
		return err
	}

	pingInterval := server.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	readTimeout := 3 * pingInterval

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return core.SessionError{Reason: "session closed"}
	}
	s.conn = conn
	s.generation++
	generation := s.generation
	s.stopPing = make(chan struct{})
	stop := s.stopPing
	remembered := make([]string, len(s.topicOrder))
	copy(remembered, s.topicOrder)
	s.mu.Unlock()

	go s.readLoop(conn, generation, readTimeout)
	go s.pingLoop(conn, pingInterval, stop)

	// Replay every remembered topic so observational continuity is
	// restored without caller involvement.
	for _, topic := range remembered {
		s.mu.Lock()
		private := s.topics[topic]
		s.mu.Unlock()
		if err := s.sendSubscribe(conn, topic, private); err != nil {
			_ = conn.Close()
			return core.SessionError{Reason: "resubscribe " + topic, Err: err}
		}
	}

	s.setState(core.SessionConnected, 0, "")
	return nil
}

func (s *Session) awaitWelcome(conn *websocket.Conn) error {
	deadline := time.Now().Add(s.opts.ConnectTimeout)
	_ = conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return core.SessionError{Reason: "no connection confirmation", Err: err}
		}
		frame, err := decodeFrame(data)
		if err != nil {
			continue
		}
		if frame.Type == frameWelcome {
			return nil
		}
	}
}

// Subscribe remembers the topic and, when connected, sends the
// subscribe frame. Subscribing an already-subscribed topic is a no-op,
// so a frame is never delivered twice for one subscriber.
func (s *Session) Subscribe(topic string, private bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.SessionError{Reason: "session closed"}
	}
	if _, ok := s.topics[topic]; ok {
		s.mu.Unlock()
		return nil
	}
	s.topics[topic] = private
	s.topicOrder = append(s.topicOrder, topic)
	conn := s.conn
	connected := s.state == core.SessionConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return nil
	}
	return s.sendSubscribe(conn, topic, private)
}

func (s *Session) Unsubscribe(topic string) error {
	s.mu.Lock()
	if _, ok := s.topics[topic]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.topics, topic)
	for i, t := range s.topicOrder {
		if t == topic {
			s.topicOrder = append(s.topicOrder[:i:i], s.topicOrder[i+1:]...)
			break
		}
	}
	conn := s.conn
	connected := s.state == core.SessionConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return nil
	}
	return s.writeFrame(conn, wsFrame{
		ID:    s.frameID(),
		Type:  frameUnsubscribe,
		Topic: topic,
	})
}

func (s *Session) sendSubscribe(conn *websocket.Conn, topic string, private bool) error {
	return s.writeFrame(conn, wsFrame{
		ID:             s.frameID(),
		Type:           frameSubscribe,
		Topic:          topic,
		PrivateChannel: private,
		Response:       true,
	})
}

func (s *Session) frameID() string {
	return strconv.FormatUint(s.nextID.Add(1), 10)
}

func (s *Session) writeFrame(conn *websocket.Conn, frame wsFrame) error {
	data, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return core.TransportError{Op: "write frame", Err: err}
	}
	return nil
}

func (s *Session) pingLoop(conn *websocket.Conn, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := s.writeFrame(conn, wsFrame{ID: s.frameID(), Type: framePing})
			if err != nil {
				s.log.WithError(err).Warn("heartbeat write failed")
				_ = conn.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn, generation uint64, readTimeout time.Duration) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.onConnectionLost(conn, generation, err)
			return
		}
		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	frame, err := decodeFrame(data)
	if err != nil {
		s.log.WithError(err).WithField("frame", string(data)).Warn("malformed frame dropped")
		return
	}
	switch frame.Type {
	case frameWelcome, framePong, frameAck:
		// Control acknowledgments are consumed silently.
		return
	case frameError:
		s.log.WithFields(logging.Fields{"id": frame.ID, "data": string(frame.Data)}).Warn("server error frame")
		return
	case frameMessage:
	default:
		return
	}

	switch frame.Topic {
	case TopicAccountBalance:
		event, err := decodeBalanceChange(frame.Data)
		if err != nil {
			s.log.WithError(err).Warn("malformed balance event dropped")
			return
		}
		s.bus.Emit(bus.TopicBalanceChanged, event)
	case TopicTradeOrders, TopicTradeOrdersV2:
		event, err := decodeOrderChange(frame.Data)
		if err != nil {
			s.log.WithError(err).Warn("malformed order event dropped")
			return
		}
		s.bus.Emit(bus.TopicOrderChanged, event)
	default:
		s.log.WithField("topic", frame.Topic).Debug("frame for unrouted topic dropped")
	}
}

// onConnectionLost distinguishes deliberate shutdown from failure and
// drives the bounded reconnect loop.
func (s *Session) onConnectionLost(conn *websocket.Conn, generation uint64, cause error) {
	_ = conn.Close()
	s.mu.Lock()
	if s.generation != generation || s.closed || s.state == core.SessionClosing {
		s.mu.Unlock()
		return
	}
	if s.stopPing != nil {
		close(s.stopPing)
		s.stopPing = nil
	}
	s.conn = nil
	s.state = core.SessionConnecting
	s.mu.Unlock()

	s.log.WithError(cause).Warn("push connection lost, reconnecting")
	s.bus.Emit(bus.TopicSessionState, core.SessionStateEvent{State: core.SessionConnecting, Reason: cause.Error()})
	s.reconnect(cause)
}

func (s *Session) reconnect(cause error) {
	policy := backoff.NewConstantBackOff(s.opts.ReconnectDelay)
	var lastErr error = cause
	for attempt := 1; attempt <= s.opts.MaxReconnectAttempts; attempt++ {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			wait = s.opts.ReconnectDelay
		}
		time.Sleep(wait)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		err := s.connectOnce(context.Background())
		if err == nil {
			s.log.WithField("attempts", attempt).Info("push connection restored")
			return
		}
		lastErr = err
		s.log.WithError(err).WithFields(logging.Fields{
			"attempt": attempt,
			"max":     s.opts.MaxReconnectAttempts,
		}).Warn("reconnect attempt failed")
	}

	// Ceiling exceeded: stay disconnected and emit exactly one terminal
	// failure signal.
	s.setState(core.SessionDisconnected, s.opts.MaxReconnectAttempts, "reconnect attempts exhausted")
	s.bus.Emit(bus.TopicSessionFailed, core.SessionError{
		Reason: fmt.Sprintf("reconnect failed after %d attempts", s.opts.MaxReconnectAttempts),
		Err:    lastErr,
	})
}

// Close shuts the session down deliberately: the heartbeat stops, the
// transport closes, and reconnection is disabled for this instance.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = core.SessionClosing
	conn := s.conn
	s.conn = nil
	if s.stopPing != nil {
		close(s.stopPing)
		s.stopPing = nil
	}
	s.mu.Unlock()

	s.bus.Emit(bus.TopicSessionState, core.SessionStateEvent{State: core.SessionClosing})
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.setState(core.SessionDisconnected, 0, "closed")
	return err
}
