// Package logging builds the structured logger shared by every stage. Text
// output is colorized when the writer is a terminal.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/muesli/termenv"
	"github.com/pkg/errors"
)

// LevelCritical is logged right before a stage terminates with a failure.
const LevelCritical = slog.Level(12)

const (
	// FileIndexKey marks per-file progress records; consecutive files
	// alternate colors in console output.
	FileIndexKey = "file_index"

	successKey = "success"
)

// Options configure New.
type Options struct {
	Format string // "text" or "json"
	Level  string // "debug", "info", "warn", "error"

	// Profile forces a color profile; nil detects it from the writer.
	Profile *termenv.Profile
}

// New creates a logger writing to w.
func New(w io.Writer, opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(opts.Format) {
	case "", "text":
		var outOpts []termenv.OutputOption
		if opts.Profile != nil {
			outOpts = append(outOpts, termenv.WithProfile(*opts.Profile))
		}
		return slog.New(NewConsoleHandler(termenv.NewOutput(w, outOpts...), level)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: replaceLevel,
		})), nil
	default:
		return nil, errors.Errorf("unsupported log format %q", opts.Format)
	}
}

// ParseLevel parses a level name. The empty string means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "critical":
		return LevelCritical, nil
	default:
		return 0, errors.Errorf("unknown log level %q", s)
	}
}

// Critical logs msg at LevelCritical.
func Critical(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.Log(ctx, LevelCritical, msg, args...)
}

// Success logs msg at info level, highlighted in console output.
func Success(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.Log(ctx, slog.LevelInfo, msg, append([]any{slog.Bool(successKey, true)}, args...)...)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func levelName(l slog.Level) string {
	if l >= LevelCritical {
		return "CRITICAL"
	}
	return l.String()
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.LevelKey {
		if l, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(levelName(l))
		}
	}
	return a
}

// ConsoleHandler renders records as one colored line each:
//
//	15:04:05 INFO  message key=value
type ConsoleHandler struct {
	mu     *sync.Mutex
	out    *termenv.Output
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewConsoleHandler creates a handler writing to out.
func NewConsoleHandler(out *termenv.Output, level slog.Leveler) *ConsoleHandler {
	return &ConsoleHandler{
		mu:    &sync.Mutex{},
		out:   out,
		level: level,
	}
}

func (h *ConsoleHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), h.qualify(attrs)...)
	return &clone
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string{}, h.groups...), name)
	return &clone
}

func (h *ConsoleHandler) qualify(attrs []slog.Attr) []slog.Attr {
	if len(h.groups) == 0 {
		return attrs
	}
	prefix := strings.Join(h.groups, ".") + "."
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
	}
	return out
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	var (
		fields    strings.Builder
		success   bool
		fileIndex = -1
	)

	write := func(a slog.Attr) {
		a.Value = a.Value.Resolve()
		switch a.Key {
		case successKey:
			success = a.Value.Kind() == slog.KindBool && a.Value.Bool()
			return
		case FileIndexKey:
			if a.Value.Kind() == slog.KindInt64 {
				fileIndex = int(a.Value.Int64())
				return
			}
		}
		if a.Equal(slog.Attr{}) {
			return
		}
		fields.WriteByte(' ')
		fields.WriteString(a.Key)
		fields.WriteByte('=')
		fields.WriteString(formatValue(a.Value))
	}

	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		for _, q := range h.qualify([]slog.Attr{a}) {
			write(q)
		}
		return true
	})

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	level := fmt.Sprintf("%-8s", levelName(r.Level))
	line := r.Message + fields.String()

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintf(h.out, "%s %s %s\n",
		h.out.String(ts.Format("15:04:05")).Faint().String(),
		h.styleLevel(r.Level, level),
		h.styleLine(r.Level, line, success, fileIndex),
	)
	return err
}

func (h *ConsoleHandler) styleLevel(l slog.Level, s string) string {
	style := h.out.String(s)
	switch {
	case l >= LevelCritical:
		return style.Foreground(h.out.Color("1")).Bold().String()
	case l >= slog.LevelError:
		return style.Foreground(h.out.Color("1")).String()
	case l >= slog.LevelWarn:
		return style.Foreground(h.out.Color("5")).String()
	case l >= slog.LevelInfo:
		return style.Foreground(h.out.Color("3")).String()
	default:
		return style.Faint().String()
	}
}

func (h *ConsoleHandler) styleLine(l slog.Level, s string, success bool, fileIndex int) string {
	style := h.out.String(s)
	switch {
	case l >= slog.LevelError:
		return style.Foreground(h.out.Color("1")).String()
	case success:
		return style.Foreground(h.out.Color("2")).String()
	case fileIndex >= 0 && fileIndex%2 == 0:
		return style.Foreground(h.out.Color("4")).String()
	case fileIndex >= 0:
		return style.Foreground(h.out.Color("6")).String()
	case l >= slog.LevelInfo:
		return style.Foreground(h.out.Color("3")).String()
	default:
		return s
	}
}

func formatValue(v slog.Value) string {
	s := v.String()
	if s == "" || strings.ContainsAny(s, " \t\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
