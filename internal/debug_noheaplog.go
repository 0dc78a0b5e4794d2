package internal

import (
	"context"
	"log/slog"
)

// LogEnabled reports whether l would emit a record at lvl. It is false for a nil logger.
func LogEnabled(l *slog.Logger, lvl slog.Level) bool {
	return l != nil && l.Handler().Enabled(context.Background(), lvl)
}

// LogAttrs is a helper function that is used by all package loggers. It
// checks the handler level first so disabled levels do not allocate.
func LogAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if LogEnabled(l, level) {
		l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
