package audit

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Hooks is a list of side effects run after the primary operation commits.
// A failing hook is logged and never fails the caller.
type Hooks struct {
	hooks []hook
}

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// Add queues fn under name.
func (h *Hooks) Add(name string, fn func(ctx context.Context) error) {
	if h == nil || fn == nil {
		return
	}
	h.hooks = append(h.hooks, hook{name: name, fn: fn})
}

// Len returns the number of queued hooks.
func (h *Hooks) Len() int {
	if h == nil {
		return 0
	}
	return len(h.hooks)
}

// Run executes the queued hooks in order and clears the list. It returns the
// number of hooks that failed.
func (h *Hooks) Run(ctx context.Context) int {
	if h == nil {
		return 0
	}
	pending := h.hooks
	h.hooks = nil
	failed := 0
	for _, item := range pending {
		if errRun := runHook(ctx, item); errRun != nil {
			failed++
			log.WithError(errRun).WithField("hook", item.name).Warn("audit: post-commit hook failed")
		}
	}
	return failed
}

func runHook(ctx context.Context, item hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("hook", item.name).Errorf("audit: post-commit hook panic: %v", r)
			err = errHookPanic
		}
	}()
	return item.fn(ctx)
}
