package sync

import (
	"context"
	"errors"

	"github.com/relaycrm/mailsync/internal/mail"
)

// defaultMaxMessages bounds one pass when no explicit cap is configured.
const defaultMaxMessages = 50

// Result is the outcome of one history sync call for a connection.
type Result struct {
	Messages   []mail.MessageRef
	NewCursor  string
	IsFullSync bool
}

// Engine decides between incremental sync (cursor present) and full sync
// (cursor absent or rejected) for one connection.
type Engine struct {
	MaxMessages int
}

// Sync runs one sync against the provider. forceFull treats the cursor as
// absent for this pass without destroying it. Any error other than a rejected
// cursor propagates to the caller.
func (e *Engine) Sync(ctx context.Context, p Provider, cursor string, forceFull bool) (*Result, error) {
	max := e.MaxMessages
	if max <= 0 {
		max = defaultMaxMessages
	}

	if cursor == "" || forceFull {
		return e.fullSync(ctx, p, max)
	}

	refs, newCursor, err := p.ListHistory(ctx, cursor, max)
	if err != nil {
		if errors.Is(err, ErrCursorExpired) {
			return e.fullSync(ctx, p, max)
		}
		return nil, err
	}

	// A history call with no new changes keeps the old cursor.
	if newCursor == "" {
		newCursor = cursor
	}

	// The provider caps the listing and returns a cursor covering exactly the
	// returned references. Truncating here would pair a shortened list with a
	// cursor that claims the dropped tail was seen.
	return &Result{Messages: refs, NewCursor: newCursor, IsFullSync: false}, nil
}

func (e *Engine) fullSync(ctx context.Context, p Provider, max int) (*Result, error) {
	refs, cursor, err := p.ListRecent(ctx, max)
	if err != nil {
		return nil, err
	}
	if len(refs) > max {
		refs = refs[:max]
	}
	return &Result{Messages: refs, NewCursor: cursor, IsFullSync: true}, nil
}
