package internal

import "log/slog"

// LevelTrace is a level more verbose than debug used to trace every segment
// through the state machine.
const LevelTrace slog.Level = slog.LevelDebug - 2
