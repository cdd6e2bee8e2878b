package cli

import (
	"log/slog"
	"os"

	"golang.org/x/term"
)

// Creates the handler used for all log output.
//
// Terminals get compact records without timestamps; anything else, such as
// CI logs or files, keeps them. Verbose mode adds source locations.
func NewHandler(f *os.File, level slog.Level, verbose bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: verbose,
	}
	if isTerminal(f) && !verbose {
		opts.ReplaceAttr = dropTime
	}
	return slog.NewTextHandler(f, opts)
}

// Whether the given file is an interactive terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}
