package session

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/digsync/internal/models"
)

// HookFunc receives the values being committed and returns them, possibly
// edited. A hook flushing a sub-form usually merges its pending edits into
// the matching value, or appends values of its own table.
type HookFunc func(ctx context.Context, values []*models.Object) ([]*models.Object, error)

// Hook is registered on a table under a caller-chosen id.
type Hook struct {
	ID string
	Fn HookFunc
}

// hookList is an ordered registry. Re-adding an id replaces the callback
// and keeps the original position.
type hookList struct {
	mu    sync.Mutex
	hooks []Hook
}

func (l *hookList) add(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.hooks {
		if l.hooks[i].ID == h.ID {
			l.hooks[i].Fn = h.Fn
			return
		}
	}
	l.hooks = append(l.hooks, h)
}

func (l *hookList) remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.hooks {
		if l.hooks[i].ID == id {
			l.hooks = append(l.hooks[:i], l.hooks[i+1:]...)
			return true
		}
	}
	return false
}

func (l *hookList) snapshot() []Hook {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Hook, len(l.hooks))
	copy(out, l.hooks)
	return out
}

// commitFrame travels in the context of a commit so that a hook calling
// Commit again does not run hooks the outer commit already ran.
type commitFrame struct {
	mu      sync.Mutex
	visited map[string]bool
}

type frameKey struct{}

func frameFrom(ctx context.Context) (context.Context, *commitFrame) {
	if f, ok := ctx.Value(frameKey{}).(*commitFrame); ok {
		return ctx, f
	}
	f := &commitFrame{visited: make(map[string]bool)}
	return context.WithValue(ctx, frameKey{}, f), f
}

// enter reports whether key is new to the frame and marks it.
func (f *commitFrame) enter(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.visited[key] {
		return false
	}
	f.visited[key] = true
	return true
}
