// Package alert pushes operator notifications for the events that need
// a human: session terminal failure, flow completion or failure, and a
// tripped breaker. Delivery is best-effort and never blocks the caller.
package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"fiatbridge/internal/bus"
	"fiatbridge/internal/core"
	"fiatbridge/internal/logging"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize   = 128
	defaultSendTimeout = 20 * time.Second
)

// Manager queues alerts and delivers them on a single goroutine. A full
// queue drops the alert and logs the drop instead of blocking flows.
type Manager struct {
	environment string
	notifier    Notifier
	queue       chan event
	stop        chan struct{}
	done        chan struct{}
	dropped     atomic.Uint64
	log         *logrus.Entry

	mu     sync.RWMutex
	closed bool
	offs   []func()
}

type event struct {
	name   string
	fields map[string]string
}

func NewManager(environment string, notifier Notifier) *Manager {
	if notifier == nil {
		return nil
	}
	m := &Manager{
		environment: environment,
		notifier:    notifier,
		queue:       make(chan event, defaultQueueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		log:         logging.Component("alert"),
	}
	go m.loop()
	return m
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- event{name: name, fields: cloneFields(fields)}:
	default:
		if m.dropped.Add(1) == 1 {
			m.log.WithFields(logging.Fields{
				"event":     name,
				"queue_cap": cap(m.queue),
			}).Warn("alert queue full, dropping")
		}
	}
}

// Watch subscribes the manager to the bus events worth an operator
// ping. Detached again by Close.
func (m *Manager) Watch(b *bus.Bus) {
	if m == nil || b == nil {
		return
	}
	offs := []func(){
		b.On(bus.TopicSessionFailed, func(payload any) {
			fields := map[string]string{}
			if err, ok := payload.(error); ok {
				fields["error"] = err.Error()
			}
			m.Important("event_session_failed", fields)
		}),
		b.On(bus.TopicSessionState, func(payload any) {
			ev, ok := payload.(core.SessionStateEvent)
			if !ok || ev.State != core.SessionDisconnected {
				return
			}
			m.Important("event_session_disconnected", nil)
		}),
		b.On(bus.TopicFlowUpdated, func(payload any) {
			flow, ok := payload.(core.Flow)
			if !ok || !flow.Terminal() {
				return
			}
			fields := map[string]string{
				"flow":   flow.ID,
				"status": string(flow.Status),
				"amount": flow.InputAmount.String(),
			}
			if flow.Status == core.FlowCompleted {
				fields["received"] = flow.UsdtReceived.String()
				fields["withdrawal"] = flow.WithdrawalID
			} else {
				fields["error"] = flow.Error
			}
			m.Important("flow_"+string(flow.Status), fields)
		}),
	}
	m.mu.Lock()
	m.offs = append(m.offs, offs...)
	m.mu.Unlock()
}

// Close drains the queue, then stops the delivery goroutine.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, off := range m.offs {
		off()
	}
	m.offs = nil
	close(m.stop)
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) send(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.buildMessage(ev)); err != nil {
		m.log.WithError(err).WithField("event", ev.name).Error("alert delivery failed")
	}
}

func (m *Manager) buildMessage(ev event) string {
	lines := []string{
		"[fiatbridge] important",
		"time: " + time.Now().UTC().Format(time.RFC3339),
		"environment: " + m.environment,
		"event: " + ev.name,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
