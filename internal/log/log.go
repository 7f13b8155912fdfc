// Package log provides the kernel's structured logging output.
//
// Every subsystem obtains a [*Logger] through [Component] and logs through
// the standard library's log/slog package. The formatting handler renders
// records as a sequence of aligned fields rather than slog's default
// key=value text, which is easier to scan when interleaved with panic/KRM
// dumps and scheduler traces.
package log

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"
)

type (
	Attr   = slog.Attr
	Level  = slog.Level
	Logger = slog.Logger
	Value  = slog.Value
)

var (
	String      = slog.String
	StringValue = slog.StringValue
	Int         = slog.Int
	Uint64      = slog.Uint64
	Bool        = slog.Bool
	Group       = slog.Group
	GroupValue  = slog.GroupValue
	Any         = slog.Any
	AnyValue    = slog.AnyValue
)

const (
	Debug = slog.LevelDebug
	Info  = slog.LevelInfo
	Warn  = slog.LevelWarn
	Error = slog.LevelError
)

// LogLevel is the process-wide level threshold. It can be adjusted at
// runtime, e.g. from a boot parameter or the KRM console.
var LogLevel = &slog.LevelVar{}

// Options configures every Handler created by this package.
var Options = &slog.HandlerOptions{
	AddSource:   true,
	Level:       LogLevel,
	ReplaceAttr: func(_ []string, attr Attr) Attr { return attr },
}

var (
	defaultOut  io.Writer = os.Stderr
	defaultOnce sync.Once
	defaultLog  *Logger
)

// DefaultLogger returns the process-wide default logger, writing to stderr.
// It is safe to call repeatedly; the underlying handler is created once.
func DefaultLogger() *Logger {
	defaultOnce.Do(func() {
		defaultLog = NewFormattedLogger(defaultOut)
	})

	return defaultLog
}

// SetOutput redirects the default logger's destination. Intended for tests
// and for the KRM, which must switch logging to the serial console once the
// normal console may no longer be trusted.
func SetOutput(w io.Writer) {
	defaultOut = w
	defaultOnce = sync.Once{}
}

// Component returns a logger scoped to a named kernel subsystem, e.g.
// "PMM", "SCHED", "MODVM". The component name is attached to every record
// as a plain "component" attribute so KRM dumps and trace output can be
// filtered by subsystem.
func Component(name string) *Logger {
	return DefaultLogger().With(String("component", name))
}

// NewFormattedLogger returns a logger that writes formatted records to out.
func NewFormattedLogger(out io.Writer) *Logger {
	return slog.New(NewHandler(out))
}

// Handler implements slog.Handler, rendering each record as a block of
// aligned "LABEL : value" lines.
type Handler struct {
	mut *sync.Mutex
	out io.Writer

	opts  *slog.HandlerOptions
	group string
	attrs []Attr
}

// NewHandler creates a Handler writing to out using the package [Options].
func NewHandler(out io.Writer) *Handler {
	return &Handler{
		out:  out,
		mut:  new(sync.Mutex),
		opts: Options,
	}
}

// Enabled reports whether level is at or above the configured threshold.
func (h *Handler) Enabled(_ context.Context, level Level) bool {
	return level >= h.opts.Level.Level()
}

// Handle formats and writes a single log record.
func (h *Handler) Handle(_ context.Context, rec slog.Record) error {
	buf := make([]byte, 0, 4096)
	out := bytes.NewBuffer(buf)

	if !rec.Time.IsZero() {
		fmt.Fprintf(out, "%10s : %s\n", "TIMESTAMP", rec.Time.Format(time.RFC3339Nano))
	}

	fmt.Fprintf(out, "%10s : %s\n", "LEVEL", rec.Level.String())

	if h.opts.AddSource && rec.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{rec.PC})
		f, _ := frames.Next()
		_, file := path.Split(f.File)
		fmt.Fprintf(out, "%10s : %s:%d\n", "SOURCE", file, f.Line)
	}

	fmt.Fprintf(out, "%10s : %s\n", "MESSAGE", rec.Message)

	for _, a := range h.attrs {
		if err := h.appendAttr(out, a, false); err != nil {
			return err
		}
	}

	var attrErr error
	rec.Attrs(func(attr Attr) bool {
		if err := h.appendAttr(out, attr, false); err != nil {
			attrErr = err
			return false
		}

		return true
	})

	if attrErr != nil {
		return attrErr
	}

	fmt.Fprintln(out)

	h.mut.Lock()
	defer h.mut.Unlock()

	_, err := h.out.Write(out.Bytes())

	return err
}

// WithGroup returns a handler that records name as its group. Attributes
// are still rendered flat, not nested under name; the group is only passed
// to Options.ReplaceAttr.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	attrs := make([]Attr, len(h.attrs))
	copy(attrs, h.attrs)

	return &Handler{
		mut:   h.mut,
		out:   h.out,
		opts:  h.opts,
		attrs: attrs,
		group: name,
	}
}

// WithAttrs returns a handler that always includes attrs on every record.
func (h *Handler) WithAttrs(attrs []Attr) slog.Handler {
	as := make([]Attr, 0, len(h.attrs)+len(attrs))
	as = append(as, h.attrs...)
	as = append(as, attrs...)

	return &Handler{
		out:   h.out,
		mut:   h.mut,
		opts:  h.opts,
		attrs: as,
		group: h.group,
	}
}

func (h *Handler) appendAttr(out io.Writer, attr slog.Attr, grouped bool) error {
	attr.Value = attr.Value.Resolve()
	attr = h.opts.ReplaceAttr([]string{h.group}, attr)

	key, value := strings.ToUpper(attr.Key), attr.Value

	switch {
	case attr.Equal(Attr{}):
		return nil

	case value.Kind() != slog.KindGroup:
		if grouped {
			fmt.Fprint(out, "  ")
		}

		_, err := fmt.Fprintf(out, "%10s : %v\n", key, value.Any())

		return err

	case key != "":
		if _, err := fmt.Fprintf(out, "%10s :\n", key); err != nil {
			return err
		}

		for _, a := range value.Group() {
			if err := h.appendAttr(out, a, true); err != nil {
				return err
			}
		}

	default:
		for _, a := range value.Group() {
			if err := h.appendAttr(out, a, grouped); err != nil {
				return err
			}
		}
	}

	return nil
}
