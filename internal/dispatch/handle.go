package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalbus/core/internal/signal"
)

// Handle is an in-process delivery target: a consuming goroutine that
// registers itself under a name (or receives a generated pid) and is fed
// signals through Send. It stands in for the "process handle" a BEAM-style
// runtime would dispatch to directly.
type Handle interface {
	Send(ctx context.Context, s signal.Signal) error
}

// HandleFunc adapts a plain function into a Handle.
type HandleFunc func(ctx context.Context, s signal.Signal) error

func (f HandleFunc) Send(ctx context.Context, s signal.Signal) error { return f(ctx, s) }

// Mailbox registers named and generated-pid handles so pid/named/pubsub
// dispatch configs can resolve a target without a real OS process model.
type Mailbox struct {
	mu      sync.RWMutex
	byName  map[string]Handle
	byPID   map[string]Handle
	nextPID uint64
	topics  map[string][]Handle
}

// NewMailbox constructs an empty Mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		byName: make(map[string]Handle),
		byPID:  make(map[string]Handle),
		topics: make(map[string][]Handle),
	}
}

// Register publishes h under a generated pid, returning that pid.
func (m *Mailbox) Register(h Handle) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPID++
	pid := fmt.Sprintf("pid-%d", m.nextPID)
	m.byPID[pid] = h
	return pid
}

// RegisterNamed publishes h under a caller-chosen name, replacing any prior
// handle registered under that name.
func (m *Mailbox) RegisterNamed(name string, h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byName[name] = h
}

// Unregister removes a pid or name registration; a no-op if absent.
func (m *Mailbox) Unregister(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byPID, key)
	delete(m.byName, key)
}

// Subscribe adds h as a listener on a pubsub topic.
func (m *Mailbox) Subscribe(topic string, h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics[topic] = append(m.topics[topic], h)
}

func (m *Mailbox) lookupPID(pid string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.byPID[pid]
	return h, ok
}

func (m *Mailbox) lookupName(name string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.byName[name]
	return h, ok
}

func (m *Mailbox) lookupTopic(topic string) []Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Handle, len(m.topics[topic]))
	copy(out, m.topics[topic])
	return out
}

// PIDAdapter delivers to a specific registered process handle, synchronously
// or asynchronously depending on delivery_mode.
type PIDAdapter struct {
	mailbox *Mailbox
}

// NewPIDAdapter builds a PIDAdapter backed by a fresh Mailbox. Share the
// Mailbox across adapters (via WithMailbox) to resolve handles registered
// elsewhere.
func NewPIDAdapter() *PIDAdapter { return &PIDAdapter{mailbox: NewMailbox()} }

// WithMailbox swaps in a shared Mailbox, returning the adapter for chaining.
func (a *PIDAdapter) WithMailbox(m *Mailbox) *PIDAdapter { a.mailbox = m; return a }

// Mailbox returns the adapter's backing registry.
func (a *PIDAdapter) Mailbox() *Mailbox { return a.mailbox }

func (a *PIDAdapter) Tag() string { return "pid" }

func (a *PIDAdapter) ValidateOpts(opts Opts) (Opts, error) {
	target, ok := opts.String("target")
	if !ok || target == "" {
		return nil, fmt.Errorf("dispatch: pid requires target")
	}
	mode, _ := opts.String("delivery_mode")
	if mode == "" {
		mode = "sync"
	}
	if mode != "sync" && mode != "async" {
		return nil, fmt.Errorf("dispatch: pid delivery_mode must be sync or async, got %q", mode)
	}
	out := make(Opts, len(opts)+1)
	for k, v := range opts {
		out[k] = v
	}
	out["delivery_mode"] = mode
	return out, nil
}

func (a *PIDAdapter) Deliver(ctx context.Context, s signal.Signal, opts Opts) error {
	target, _ := opts.String("target")
	h, ok := a.mailbox.lookupPID(target)
	if !ok {
		return fmt.Errorf("dispatch: pid %q not registered", target)
	}
	mode, _ := opts.String("delivery_mode")
	if mode == "async" {
		go func() { _ = h.Send(context.Background(), s) }()
		return nil
	}
	return h.Send(ctx, s)
}

// NamedAdapter delivers to a handle registered under a logical name.
type NamedAdapter struct {
	mailbox *Mailbox
}

// NewNamedAdapter builds a NamedAdapter backed by a fresh Mailbox.
func NewNamedAdapter() *NamedAdapter { return &NamedAdapter{mailbox: NewMailbox()} }

// WithMailbox swaps in a shared Mailbox, returning the adapter for chaining.
func (a *NamedAdapter) WithMailbox(m *Mailbox) *NamedAdapter { a.mailbox = m; return a }

// Mailbox returns the adapter's backing registry.
func (a *NamedAdapter) Mailbox() *Mailbox { return a.mailbox }

func (a *NamedAdapter) Tag() string { return "named" }

func (a *NamedAdapter) ValidateOpts(opts Opts) (Opts, error) {
	if target, ok := opts.String("target"); !ok || target == "" {
		return nil, fmt.Errorf("dispatch: named requires target")
	}
	return opts, nil
}

func (a *NamedAdapter) Deliver(ctx context.Context, s signal.Signal, opts Opts) error {
	target, _ := opts.String("target")
	h, ok := a.mailbox.lookupName(target)
	if !ok {
		return fmt.Errorf("dispatch: named target %q not registered", target)
	}
	return h.Send(ctx, s)
}

// PubSubAdapter broadcasts to every handle subscribed to a topic.
type PubSubAdapter struct {
	mailbox *Mailbox
}

// NewPubSubAdapter builds a PubSubAdapter backed by a fresh Mailbox.
func NewPubSubAdapter() *PubSubAdapter { return &PubSubAdapter{mailbox: NewMailbox()} }

// WithMailbox swaps in a shared Mailbox, returning the adapter for chaining.
func (a *PubSubAdapter) WithMailbox(m *Mailbox) *PubSubAdapter { a.mailbox = m; return a }

// Mailbox returns the adapter's backing registry.
func (a *PubSubAdapter) Mailbox() *Mailbox { return a.mailbox }

func (a *PubSubAdapter) Tag() string { return "pubsub" }

func (a *PubSubAdapter) ValidateOpts(opts Opts) (Opts, error) {
	if _, ok := opts.String("target"); !ok {
		return nil, fmt.Errorf("dispatch: pubsub requires target")
	}
	if topic, ok := opts.String("topic"); !ok || topic == "" {
		return nil, fmt.Errorf("dispatch: pubsub requires topic")
	}
	return opts, nil
}

func (a *PubSubAdapter) Deliver(ctx context.Context, s signal.Signal, opts Opts) error {
	topic, _ := opts.String("topic")
	handles := a.mailbox.lookupTopic(topic)
	if len(handles) == 0 {
		return nil
	}
	var firstErr error
	for _, h := range handles {
		if err := h.Send(ctx, s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
