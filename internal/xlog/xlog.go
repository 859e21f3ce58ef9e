// Package xlog is the ambient structured logging adapter shared by reactor
// and workqueue. It wraps github.com/joeycumines/logiface, the structured
// logging library used throughout the corpus this module is built from, with
// a minimal Event implementation (logiface requires one to be supplied by
// every consumer - there is no single concrete Event type bundled with the
// core package itself).
package xlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

// event is a minimal logiface.Event, accumulating fields as key/value pairs
// for a single log line. Its zero value is used when logging is disabled, per
// the Event contract (Level must return LevelDisabled without panicking).
type event struct {
	logiface.UnimplementedEvent
	level logiface.Level
	msg   string
	err   error
	kv    []kv
}

type kv struct {
	key string
	val any
}

func (e *event) Level() logiface.Level { return e.level }

func (e *event) AddField(key string, val any) {
	e.kv = append(e.kv, kv{key, val})
}

func (e *event) AddMessage(msg string) bool {
	e.msg = msg
	return true
}

func (e *event) AddError(err error) bool {
	e.err = err
	return true
}

func (e *event) reset() {
	e.level = logiface.LevelDisabled
	e.msg = ""
	e.err = nil
	e.kv = e.kv[:0]
}

// factory implements logiface.EventFactory and logiface.EventReleaser,
// pooling events the same way the corpus's own Event implementations
// (e.g. logiface-stumpy) pool their buffers.
type factory struct {
	pool sync.Pool
}

func newFactory() *factory {
	f := &factory{}
	f.pool.New = func() any { return &event{} }
	return f
}

func (f *factory) NewEvent(level logiface.Level) *event {
	e := f.pool.Get().(*event)
	e.level = level
	return e
}

func (f *factory) ReleaseEvent(e *event) {
	e.reset()
	f.pool.Put(e)
}

// writer serializes events as a single text line to an io.Writer, guarded by
// a mutex since multiple reactor/workqueue goroutines may log concurrently.
type writer struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *writer) Write(e *event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	fmt.Fprintf(w.out, "%s level=%s", time.Now().UTC().Format(time.RFC3339Nano), e.level)
	if e.msg != "" {
		fmt.Fprintf(w.out, " msg=%q", e.msg)
	}
	for _, p := range e.kv {
		fmt.Fprintf(w.out, " %s=%v", p.key, p.val)
	}
	if e.err != nil {
		fmt.Fprintf(w.out, " err=%q", e.err.Error())
	}
	fmt.Fprintln(w.out)
	return nil
}

// Logger is the ambient logging handle passed into reactor and workqueue
// constructors. It is a thin rename of logiface's generic Logger,
// instantiated against this package's event type.
type Logger = logiface.Logger[*event]

// New builds a Logger writing text lines to out at the given minimum level.
// A nil out defaults to os.Stderr.
func New(out io.Writer, level logiface.Level) *Logger {
	if out == nil {
		out = os.Stderr
	}
	f := newFactory()
	return logiface.New[*event](
		logiface.WithLevel[*event](level),
		logiface.WithEventFactory[*event](f),
		logiface.WithEventReleaser[*event](logiface.EventReleaserFunc[*event](f.ReleaseEvent)),
		logiface.WithWriter[*event](&writer{out: out}),
	)
}

// NoOp returns a Logger that discards everything, for callers (and tests)
// that don't want logging overhead.
func NoOp() *Logger {
	return logiface.New[*event](logiface.WithLevel[*event](logiface.LevelDisabled))
}
