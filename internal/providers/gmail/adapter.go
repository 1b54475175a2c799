// Package gmail adapts the Gmail API to the engine's provider port.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/relaycrm/mailsync/internal/mail"
	"github.com/relaycrm/mailsync/internal/sync"
)

// Adapter implements sync.Provider for Gmail.
type Adapter struct {
	svc     *gmailapi.Service
	limiter *rate.Limiter
}

// New creates a Gmail adapter bound to one connection's access token. The
// fetch limiter keeps one pass inside provider quotas; transient quota errors
// remain connection-fatal for the pass regardless.
func New(ctx context.Context, accessToken string, fetchRatePerSec float64) (*Adapter, error) {
	if fetchRatePerSec <= 0 {
		fetchRatePerSec = 10
	}

	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, source)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{
		svc:     svc,
		limiter: rate.NewLimiter(rate.Limit(fetchRatePerSec), 5),
	}, nil
}

// errPagingDone stops history pagination once the collection cap is reached.
var errPagingDone = errors.New("pagination complete")

// ListHistory collects message-added events since startCursor, at most max of
// them, and returns a cursor covering only the consumed history records: a
// truncated walk leaves the cursor at the last consumed record so the next
// pass picks up the tail. A cursor the provider no longer recognizes (404, or
// one that does not parse) is reported as sync.ErrCursorExpired so the engine
// falls back to a full sync.
func (a *Adapter) ListHistory(ctx context.Context, startCursor string, max int) ([]mail.MessageRef, string, error) {
	startHistoryID, err := strconv.ParseUint(startCursor, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("cursor %q: %w", startCursor, sync.ErrCursorExpired)
	}

	call := a.svc.Users.History.List("me").
		StartHistoryId(startHistoryID).
		HistoryTypes("messageAdded").
		MaxResults(int64(max))

	var (
		refs      []mail.MessageRef
		latest    = startHistoryID
		mailboxID uint64
		seen      = make(map[string]bool)
		truncated bool
	)

	err = call.Pages(ctx, func(page *gmailapi.ListHistoryResponse) error {
		if page.HistoryId > mailboxID {
			mailboxID = page.HistoryId
		}
		for _, history := range page.History {
			// Stop before the next record once the cap is reached; its id must
			// stay ahead of the cursor. Records are consumed whole, so one pass
			// may run slightly past max rather than split a record.
			if len(refs) >= max {
				truncated = true
				return errPagingDone
			}
			for _, record := range history.MessagesAdded {
				msg := record.Message
				if msg == nil || seen[msg.Id] {
					continue
				}
				seen[msg.Id] = true
				refs = append(refs, mail.MessageRef{ID: msg.Id, ThreadID: msg.ThreadId})
			}
			if history.Id > latest {
				latest = history.Id
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errPagingDone) {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return nil, "", fmt.Errorf("history id %d: %w", startHistoryID, sync.ErrCursorExpired)
		}
		return nil, "", classify(err, "failed to list history")
	}

	// Only a complete walk may jump the cursor to the mailbox's current
	// position.
	if !truncated && mailboxID > latest {
		latest = mailboxID
	}

	return refs, strconv.FormatUint(latest, 10), nil
}

// ListRecent returns the mailbox's current history position plus the most
// recent max message references.
func (a *Adapter) ListRecent(ctx context.Context, max int) ([]mail.MessageRef, string, error) {
	profile, err := a.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, "", classify(err, "failed to get profile")
	}
	cursor := strconv.FormatUint(profile.HistoryId, 10)

	list, err := a.svc.Users.Messages.List("me").
		IncludeSpamTrash(false).
		MaxResults(int64(max)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, "", classify(err, "failed to list messages")
	}

	refs := make([]mail.MessageRef, 0, len(list.Messages))
	for _, m := range list.Messages {
		refs = append(refs, mail.MessageRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	return refs, cursor, nil
}

// GetMessage fetches one message in full format.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*mail.RawMessage, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	msg, err := a.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify(err, fmt.Sprintf("failed to get message %s", id))
	}
	return convert(msg), nil
}

// convert maps a Gmail message onto the provider-independent raw form.
func convert(msg *gmailapi.Message) *mail.RawMessage {
	return &mail.RawMessage{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		Snippet:      msg.Snippet,
		InternalDate: msg.InternalDate,
		LabelIDs:     msg.LabelIds,
		Payload:      convertPart(msg.Payload),
	}
}

func convertPart(part *gmailapi.MessagePart) *mail.RawPart {
	if part == nil {
		return nil
	}

	raw := &mail.RawPart{
		MimeType: part.MimeType,
		Filename: part.Filename,
	}
	for _, h := range part.Headers {
		raw.Headers = append(raw.Headers, mail.RawHeader{Name: h.Name, Value: h.Value})
	}
	if part.Body != nil {
		raw.Data = part.Body.Data
		raw.AttachmentID = part.Body.AttachmentId
		raw.Size = part.Body.Size
	}
	for _, child := range part.Parts {
		raw.Parts = append(raw.Parts, convertPart(child))
	}
	return raw
}

// classify wraps rate limits and server-side failures as transient so the
// orchestrator aborts the connection's pass instead of advancing the cursor
// past unprocessed messages.
func classify(err error, msg string) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == 429 || apiErr.Code >= 500) {
		return &sync.TransientError{Err: fmt.Errorf("%s: %w", msg, err)}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
