package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/signalbus/core/internal/signal"
)

// NoopAdapter discards every signal, always reporting success. Used in tests
// and for subscriptions that only need log presence, not delivery.
type NoopAdapter struct{}

func (NoopAdapter) Tag() string { return "noop" }

func (NoopAdapter) ValidateOpts(opts Opts) (Opts, error) { return opts, nil }

func (NoopAdapter) Deliver(ctx context.Context, s signal.Signal, opts Opts) error { return nil }

// NilAdapter is the explicit no-op placeholder target: always valid, always
// :ok, distinct from NoopAdapter only by the tag clients register under.
type NilAdapter struct{}

func (NilAdapter) Tag() string { return "nil" }

func (NilAdapter) ValidateOpts(opts Opts) (Opts, error) { return opts, nil }

func (NilAdapter) Deliver(ctx context.Context, s signal.Signal, opts Opts) error { return nil }

// ConsoleAdapter writes each signal's JSON encoding to an io.Writer,
// defaulting to stdout.
type ConsoleAdapter struct {
	Out io.Writer
}

func (ConsoleAdapter) Tag() string { return "console" }

func (ConsoleAdapter) ValidateOpts(opts Opts) (Opts, error) { return opts, nil }

func (c ConsoleAdapter) Deliver(ctx context.Context, s signal.Signal, opts Opts) error {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	raw, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("dispatch: console encode: %w", err)
	}
	if _, err := fmt.Fprintf(out, "%s\n", raw); err != nil {
		return fmt.Errorf("dispatch: console write: %w", err)
	}
	return nil
}

// LogFunc receives one delivered signal's JSON for the logger adapter.
type LogFunc func(level string, payload []byte)

// LoggerAdapter appends each signal to a log sink at a configured level.
type LoggerAdapter struct {
	log LogFunc
}

// NewLoggerAdapter builds a LoggerAdapter; a nil log discards every record.
func NewLoggerAdapter(log LogFunc) LoggerAdapter {
	if log == nil {
		log = func(string, []byte) {}
	}
	return LoggerAdapter{log: log}
}

func (LoggerAdapter) Tag() string { return "logger" }

func (LoggerAdapter) ValidateOpts(opts Opts) (Opts, error) {
	if _, ok := opts.String("level"); !ok {
		return nil, fmt.Errorf("dispatch: logger requires level")
	}
	return opts, nil
}

func (a LoggerAdapter) Deliver(ctx context.Context, s signal.Signal, opts Opts) error {
	level, _ := opts.String("level")
	raw, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("dispatch: logger encode: %w", err)
	}
	a.log(level, raw)
	return nil
}
