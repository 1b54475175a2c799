package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/relaycrm/mailsync/internal/mail"
)

// ErrCursorExpired signals that the provider rejected the stored history
// cursor. The engine recovers by falling back to a full sync; it is never
// surfaced as a pass failure.
var ErrCursorExpired = errors.New("history cursor no longer valid")

// TransientError marks a provider failure (rate limit, 5xx) that is
// connection-fatal for the current pass: remaining work on the connection is
// aborted and the prior cursor preserved so the next pass retries the window.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient provider error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Provider is the outbound port toward one connection's mailbox. Adapters are
// constructed per connection with a valid access token already in hand.
type Provider interface {
	// ListHistory returns message-added references observed since startCursor,
	// collecting at most max of them, plus a new cursor covering exactly the
	// returned references. Persisting that cursor after processing the
	// references never skips history. A rejected cursor is reported as
	// ErrCursorExpired.
	ListHistory(ctx context.Context, startCursor string, max int) ([]mail.MessageRef, string, error)

	// ListRecent returns the most recent max message references together with
	// the mailbox's current cursor position.
	ListRecent(ctx context.Context, max int) ([]mail.MessageRef, string, error)

	// GetMessage fetches the full content of one message.
	GetMessage(ctx context.Context, id string) (*mail.RawMessage, error)
}

// ProviderFactory creates the adapter for a connection using the access token
// the orchestrator refreshed for this pass.
type ProviderFactory func(ctx context.Context, conn *mail.Connection, accessToken string) (Provider, error)
