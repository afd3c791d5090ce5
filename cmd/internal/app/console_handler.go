package app

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// consoleHandler writes one human-readable line per record:
//
//	15:04:05.000 INF realtime.reconnect.scheduled attempt=1 delay=1000ms
//
// Attributes bound with WithAttrs are rendered once and reused.
type consoleHandler struct {
	w     io.Writer
	mu    *sync.Mutex
	level slog.Leveler
	color bool

	prefix string // open groups, each followed by a dot
	pre    []byte
}

func newConsoleHandler(w io.Writer, level slog.Leveler, color bool) *consoleHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &consoleHandler{w: w, mu: &sync.Mutex{}, level: level, color: color}
}

func (h *consoleHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	buf := make([]byte, 0, 256)
	buf = append(buf, paint(ts.Format("15:04:05.000"), ansiDim, h.color)...)
	buf = append(buf, ' ')
	buf = append(buf, levelLabel(r.Level, h.color)...)
	buf = append(buf, ' ')
	buf = append(buf, paint(r.Message, ansiBright, h.color)...)
	buf = append(buf, h.pre...)
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, h.prefix, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	cp := *h
	cp.pre = append([]byte(nil), h.pre...)
	for _, a := range attrs {
		cp.pre = h.appendAttr(cp.pre, h.prefix, a)
	}
	return &cp
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *consoleHandler) appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			buf = h.appendAttr(buf, prefix, ga)
		}
		return buf
	}

	key, val := h.render(a.Key, a.Value)
	buf = append(buf, ' ')
	buf = append(buf, prefix...)
	buf = append(buf, key...)
	buf = append(buf, '=')
	return append(buf, val...)
}

// render returns the display key and value. Keys ending in _ms are shown as
// durations under the bare name.
func (h *consoleHandler) render(key string, v slog.Value) (string, string) {
	switch key {
	case "state", "from", "to":
		return key, colorizeState(v.String(), h.color)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return key, colorizeStatusCode(int(n), h.color)
		}
	case "method":
		return key, colorizeHTTPMethod(v.String(), h.color)
	case "channel_id", "destination", "path":
		return key, paint(quoteValue(v.String()), ansiCyan, h.color)
	case "err":
		return key, paint(quoteValue(v.String()), ansiRed, h.color)
	}
	if name, ok := strings.CutSuffix(key, "_ms"); ok {
		if n, ok := valueToInt64(v); ok {
			return name, colorizeDurationMS(n, h.color)
		}
	}
	return key, quoteValue(v.String())
}

func quoteValue(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelLabel(l slog.Level, color bool) string {
	switch {
	case l >= slog.LevelError:
		return paint("ERR", ansiRed, color)
	case l >= slog.LevelWarn:
		return paint("WRN", ansiYellow, color)
	case l >= slog.LevelInfo:
		return paint("INF", ansiBlue, color)
	default:
		return paint("DBG", ansiMagenta, color)
	}
}
