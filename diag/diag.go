// Package diag carries the diagnostics sink every engine object receives at
// construction: a structured logger and the handler invoked on invariant
// violations.
package diag

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	httperrors "github.com/nczempin/httploop/errors"
)

// FatalFunc handles an invariant violation. It must not return normally in
// production; test handlers may record and return.
type FatalFunc func(err *httperrors.HttpError)

// Sink is the diagnostics sink threaded through the engine.
type Sink struct {
	logger *slog.Logger
	fatal  *fatalSlot
}

// fatalSlot is shared between a sink and every sink derived from it with
// With, so an override reaches objects constructed before it.
type fatalSlot struct {
	mu sync.Mutex
	fn FatalFunc
}

// New returns a Sink logging to logger. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{logger: logger, fatal: &fatalSlot{}}
}

// Discard returns a Sink that drops every log record. Fatal still panics.
func Discard() *Sink {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// Logger returns the sink's logger.
func (s *Sink) Logger() *slog.Logger {
	if s == nil {
		return slog.Default()
	}
	return s.logger
}

// With returns a sink sharing the fatal handler whose logger carries args.
func (s *Sink) With(args ...any) *Sink {
	if s == nil {
		return New(nil).With(args...)
	}
	return &Sink{logger: s.logger.With(args...), fatal: s.fatal}
}

// SetFatalHandler replaces the fatal handler and returns a function restoring
// the previous one.
func (s *Sink) SetFatalHandler(fn FatalFunc) (restore func()) {
	s.fatal.mu.Lock()
	prev := s.fatal.fn
	s.fatal.fn = fn
	s.fatal.mu.Unlock()
	return func() {
		s.fatal.mu.Lock()
		s.fatal.fn = prev
		s.fatal.mu.Unlock()
	}
}

func (s *Sink) fatalHandler() FatalFunc {
	if s == nil {
		return nil
	}
	s.fatal.mu.Lock()
	defer s.fatal.mu.Unlock()
	return s.fatal.fn
}

// Fatalf reports an invariant violation. The default handler logs and panics.
func (s *Sink) Fatalf(format string, args ...any) {
	err := httperrors.NewInternalError(fmt.Sprintf(format, args...))
	s.Logger().Error("invariant violation", "error", err)
	if fn := s.fatalHandler(); fn != nil {
		fn(err)
		return
	}
	panic(err)
}
