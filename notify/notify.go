// Package notify carries short operator-facing messages from deep inside the
// client (rate limiting, server outages) to whatever front end is attached.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a message for the operator.
type Notification struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Sink receives notifications. Implementations must not block the caller for
// long; Notify is called from request paths.
type Sink interface {
	Notify(Notification)
}

// Func adapts a function to a Sink.
type Func func(Notification)

func (f Func) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Sink = Func(func(Notification) {})

// New builds a notification stamped with the current time.
func New(level Level, msg string) Notification {
	return Notification{Level: level, Message: msg, Time: time.Now()}
}

// Channel is a buffered Sink a front end subscribes to. Sends never block;
// when the buffer is full the notification is dropped and counted.
type Channel struct {
	ch      chan Notification
	dropped atomic.Int64
}

// NewChannel creates a Channel with the given buffer size.
func NewChannel(size int) *Channel {
	if size < 1 {
		size = 1
	}
	return &Channel{ch: make(chan Notification, size)}
}

func (c *Channel) Notify(n Notification) {
	select {
	case c.ch <- n:
	default:
		c.dropped.Add(1)
	}
}

// C returns the receive side.
func (c *Channel) C() <-chan Notification { return c.ch }

// Dropped returns how many notifications were discarded.
func (c *Channel) Dropped() int64 { return c.dropped.Load() }

// Logger writes notifications to a structured logger.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a Logger sink. A nil logger uses slog.Default().
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger.With("component", "notify")}
}

func (l *Logger) Notify(n Notification) {
	level := slog.LevelInfo
	switch n.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	l.logger.Log(context.Background(), level, n.Message)
}

var (
	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3B82F6")).
			Bold(true)
	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B")).
			Bold(true)
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)
	messageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F9FAFB"))
)

// Terminal renders notifications as styled lines.
type Terminal struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTerminal creates a Terminal sink writing to w.
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w}
}

func (t *Terminal) Notify(n Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.w, Render(n))
}

// Render formats n for a terminal.
func Render(n Notification) string {
	var badge string
	switch n.Level {
	case LevelWarning:
		badge = warningStyle.Render("! warning")
	case LevelError:
		badge = errorStyle.Render("✗ error")
	default:
		badge = infoStyle.Render("• info")
	}
	return badge + "  " + messageStyle.Render(n.Message)
}

// Multi fans a notification out to every sink in order.
func Multi(sinks ...Sink) Sink {
	return Func(func(n Notification) {
		for _, s := range sinks {
			if s != nil {
				s.Notify(n)
			}
		}
	})
}
