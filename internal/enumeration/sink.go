package enumeration

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/charmbracelet/lipgloss"
	"github.com/ppiankov/kubeir/internal/logging"
)

// Sink receives rendered report lines.
type Sink interface {
	Emit(level slog.Level, line string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(level slog.Level, line string)

// Emit implements Sink.
func (f SinkFunc) Emit(level slog.Level, line string) { f(level, line) }

// LoggerSink logs each line as a message at its level.
type LoggerSink struct {
	logger *slog.Logger
}

// NewLoggerSink returns a sink over l; nil means slog.Default().
func NewLoggerSink(l *slog.Logger) *LoggerSink {
	return &LoggerSink{logger: logging.OrDefault(l)}
}

// Emit implements Sink.
func (s *LoggerSink) Emit(level slog.Level, line string) {
	s.logger.Log(context.Background(), level, line)
}

var (
	keywordStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")) // Blue
	warnRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208")). // Orange
			Bold(true)
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// TerminalSink writes lines to w, highlighting warning rows. Styling is
// dropped when w is not a color terminal.
type TerminalSink struct {
	w io.Writer
}

// NewTerminalSink returns a sink writing to w.
func NewTerminalSink(w io.Writer) *TerminalSink {
	return &TerminalSink{w: w}
}

// Emit implements Sink.
func (s *TerminalSink) Emit(level slog.Level, line string) {
	_, _ = fmt.Fprintln(s.w, styleLine(level, line))
}

func styleLine(level slog.Level, line string) string {
	body, lead := trimIndent(line)
	switch {
	case level >= slog.LevelWarn:
		return lead + warnRowStyle.Render(body)
	case isSeparator(body):
		return lead + dimStyle.Render(body)
	case isKeyword(body):
		return lead + keywordStyle.Render(body)
	default:
		return line
	}
}

func trimIndent(line string) (body, lead string) {
	i := 0
	for i < len(line) && line[i] == ' ' {
		i++
	}
	return line[i:], line[:i]
}

func isSeparator(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '-' {
			return false
		}
	}
	return true
}

func isKeyword(s string) bool {
	for _, r := range s {
		if r == ' ' || r == ':' {
			return false
		}
	}
	return s != ""
}
