// Package ffmpeg provides the decode service the demultiplexer drives: a
// private working directory, file staging, and argv execution of the
// ffmpeg binary with its log output fanned out line by line.
package ffmpeg

import (
	"context"
	"errors"
	"sync"
)

// ErrNotLoaded is returned by file and exec calls made before Load.
var ErrNotLoaded = errors.New("decode service not loaded")

// Channel identifies which output stream a log line came from.
type Channel int

const (
	Stdout Channel = iota
	Stderr
)

func (c Channel) String() string {
	if c == Stdout {
		return "stdout"
	}
	return "stderr"
}

// LogEvent is one line of tool output.
type LogEvent struct {
	Channel Channel
	Text    string
}

// Service is the contract of the transcoding backend.
type Service interface {
	Load(ctx context.Context) error
	Loaded() bool
	WriteFile(ctx context.Context, name string, data []byte) error
	ReadFile(ctx context.Context, name string) ([]byte, error)
	DeleteFile(ctx context.Context, name string) error
	Exec(ctx context.Context, args []string) (int, error)
	// Subscribe registers fn for every log line and returns its detach func.
	Subscribe(fn func(LogEvent)) (unsubscribe func())
}

// logHub is the listener registry shared by Service implementations.
type logHub struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]func(LogEvent)
}

func (h *logHub) Subscribe(fn func(LogEvent)) func() {
	h.mu.Lock()
	if h.listeners == nil {
		h.listeners = make(map[int]func(LogEvent))
	}
	id := h.next
	h.next++
	h.listeners[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

func (h *logHub) emit(ev LogEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, fn := range h.listeners {
		fn(ev)
	}
}

func (h *logHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}
