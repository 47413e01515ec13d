package signal

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

type namedHandler struct {
	name string
	fn   Handler
}

// Manager is an in-process Bus. Handlers are registered by name so they can be disconnected.
type Manager struct {
	mu       sync.RWMutex
	handlers map[Signal][]namedHandler
	log      *logrus.Entry
}

// NewManager creates an empty signal manager
func NewManager(log *logrus.Entry) *Manager {
	return &Manager{
		handlers: make(map[Signal][]namedHandler),
		log:      log.WithField("component", "signals"),
	}
}

// Connect registers fn for sig under name. Connecting the same name again replaces the handler in place.
func (m *Manager) Connect(sig Signal, name string, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := m.handlers[sig]
	for i := range hs {
		if hs[i].name == name {
			hs[i].fn = fn
			return
		}
	}
	m.handlers[sig] = append(hs, namedHandler{name: name, fn: fn})
}

// Disconnect removes the named handler from sig. Unknown names are ignored.
func (m *Manager) Disconnect(sig Signal, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := m.handlers[sig]
	for i := range hs {
		if hs[i].name == name {
			m.handlers[sig] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// DisconnectAll removes every handler connected to sig
func (m *Manager) DisconnectAll(sig Signal) {
	m.mu.Lock()
	delete(m.handlers, sig)
	m.mu.Unlock()
}

func (m *Manager) snapshot(sig Signal) []namedHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]namedHandler(nil), m.handlers[sig]...)
}

// Send calls handlers sequentially in connection order
func (m *Manager) Send(ctx context.Context, ev Event) []HandlerResult {
	hs := m.snapshot(ev.Signal)
	if len(hs) == 0 {
		return nil
	}
	results := make([]HandlerResult, len(hs))
	for i, h := range hs {
		results[i] = m.call(ctx, h, ev)
	}
	return results
}

// SendAsync runs all handlers concurrently and waits for every one of them
func (m *Manager) SendAsync(ctx context.Context, ev Event) []HandlerResult {
	hs := m.snapshot(ev.Signal)
	if len(hs) == 0 {
		return nil
	}
	results := make([]HandlerResult, len(hs))
	var wg sync.WaitGroup
	for i, h := range hs {
		wg.Add(1)
		go func(i int, h namedHandler) {
			defer wg.Done()
			results[i] = m.call(ctx, h, ev)
		}(i, h)
	}
	wg.Wait()
	return results
}

// call runs one handler, turning panics into errors and logging failures
func (m *Manager) call(ctx context.Context, h namedHandler, ev Event) (res HandlerResult) {
	res.Name = h.name
	defer func() {
		if r := recover(); r != nil {
			res.Outcome = Continue
			res.Err = fmt.Errorf("signal handler '%s' panicked: %v", h.name, r)
		}
		if res.Err != nil && !utils.IsQuiet(res.Err) {
			m.log.WithFields(logrus.Fields{
				"signal":  ev.Signal,
				"handler": h.name,
			}).Errorf("Error caught on signal handler: %v", res.Err)
		}
	}()
	res.Outcome, res.Err = h.fn(ctx, ev)
	return res
}
