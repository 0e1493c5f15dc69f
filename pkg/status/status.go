// Package status carries operator-visible progress updates from the clone
// sequence to the application layer over a buffered channel stored in the
// context. The cmd layer decides how updates are rendered (slog).
package status

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultChannelSize is the default buffer size for the update channel
	DefaultChannelSize = 64

	// DefaultFlushTimeout bounds the wait for remaining messages on shutdown
	DefaultFlushTimeout = 5 * time.Second
)

// Level represents the severity of a progress update.
type Level string

const (
	LevelInfo     Level = "info"
	LevelProgress Level = "progress"
	LevelSuccess  Level = "success"
	LevelWarning  Level = "warning"
)

// Update is one progress message emitted during session initialization.
type Update struct {
	Level   Level
	Message string

	// Repository is the project the update refers to, when applicable
	Repository string

	Timestamp time.Time
}

type contextKey string

const channelKey contextKey = "session-init-status"

// WithChannel returns a context carrying the update channel. The channel
// should be buffered so senders never block.
func WithChannel(ctx context.Context, ch chan<- Update) context.Context {
	return context.WithValue(ctx, channelKey, ch)
}

func getChannel(ctx context.Context) chan<- Update {
	if ctx == nil {
		return nil
	}
	ch, ok := ctx.Value(channelKey).(chan<- Update)
	if !ok {
		return nil
	}
	return ch
}

// Send delivers an update through the channel in the context, if any.
// Non-blocking: the update is dropped when the channel is full.
func Send(ctx context.Context, update Update) {
	ch := getChannel(ctx)
	if ch == nil {
		return
	}

	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}

	select {
	case ch <- update:
	default:
		// Channel full, drop rather than stall the clone.
	}
}

// Info sends an informational update for the given repository.
func Info(ctx context.Context, message, repository string) {
	Send(ctx, Update{Level: LevelInfo, Message: message, Repository: repository})
}

// Progress sends a progress update for the given repository.
func Progress(ctx context.Context, message, repository string) {
	Send(ctx, Update{Level: LevelProgress, Message: message, Repository: repository})
}

// Success sends a success update for the given repository.
func Success(ctx context.Context, message, repository string) {
	Send(ctx, Update{Level: LevelSuccess, Message: message, Repository: repository})
}

// Warning sends a warning update for the given repository.
func Warning(ctx context.Context, message, repository string) {
	Send(ctx, Update{Level: LevelWarning, Message: message, Repository: repository})
}

// Handler processes updates received on the channel.
type Handler func(Update)

// CleanupFunc closes the channel and waits for the handler to drain it.
type CleanupFunc func()

// StartHandler attaches a new update channel to the context and starts a
// goroutine feeding the handler. The returned cleanup function must be
// deferred; it closes the channel and waits (bounded by flush timeout) for
// remaining messages to be processed.
func StartHandler(ctx context.Context, handler Handler) (context.Context, CleanupFunc) {
	return StartHandlerWithOptions(ctx, handler, DefaultChannelSize, DefaultFlushTimeout)
}

// StartHandlerWithOptions is StartHandler with explicit channel size and
// flush timeout.
func StartHandlerWithOptions(ctx context.Context, handler Handler, channelSize int, flushTimeout time.Duration) (context.Context, CleanupFunc) {
	ch := make(chan Update, channelSize)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for update := range ch {
			handler(update)
		}
	}()

	cleanup := func() {
		close(ch)

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(flushTimeout):
		}
	}

	return WithChannel(ctx, ch), cleanup
}
