// Package outlook adapts Microsoft Graph to the engine's provider port.
//
// Graph has no history-id API; the cursor is the RFC3339 receivedDateTime of
// the newest observed message and incremental sync filters on it. A cursor
// that does not parse is reported as expired so the engine resyncs in full.
package outlook

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/relaycrm/mailsync/internal/mail"
	"github.com/relaycrm/mailsync/internal/sync"
)

var listSelect = []string{"id", "conversationId", "receivedDateTime"}

var messageSelect = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"bccRecipients", "bodyPreview", "body", "receivedDateTime", "isRead",
	"hasAttachments", "internetMessageHeaders",
}

// Adapter implements sync.Provider for Outlook/Microsoft Graph.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
}

// New creates an Outlook adapter bound to one connection's access token.
func New(ctx context.Context, accessToken, userID string) (*Adapter, error) {
	cred := &staticTokenCredential{token: accessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{client: client, userID: userID}, nil
}

// ListHistory returns messages received after the cursor timestamp.
func (a *Adapter) ListHistory(ctx context.Context, startCursor string, max int) ([]mail.MessageRef, string, error) {
	since, err := time.Parse(time.RFC3339, startCursor)
	if err != nil {
		return nil, "", fmt.Errorf("cursor %q: %w", startCursor, sync.ErrCursorExpired)
	}

	filter := historyFilter(since)
	config := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     int32Ptr(int32(max)),
			Select:  listSelect,
			Filter:  &filter,
			Orderby: []string{"receivedDateTime asc"},
		},
	}

	result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, config)
	if err != nil {
		return nil, "", classify(err, "failed to list changed messages")
	}

	refs, newest := collectRefs(result.GetValue())
	cursor := startCursor
	if newest.After(since) {
		cursor = newest.UTC().Format(time.RFC3339)
	}
	return refs, cursor, nil
}

// ListRecent returns the most recent max messages and a cursor at the newest
// of them (or now, for an empty mailbox).
func (a *Adapter) ListRecent(ctx context.Context, max int) ([]mail.MessageRef, string, error) {
	config := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     int32Ptr(int32(max)),
			Select:  listSelect,
			Orderby: []string{"receivedDateTime desc"},
		},
	}

	result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, config)
	if err != nil {
		return nil, "", classify(err, "failed to list messages")
	}

	refs, newest := collectRefs(result.GetValue())
	if newest.IsZero() {
		newest = time.Now()
	}
	return refs, newest.UTC().Format(time.RFC3339), nil
}

// GetMessage fetches one message with body, headers and attachment metadata.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*mail.RawMessage, error) {
	msg, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Get(ctx,
		&users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
				Select: messageSelect,
			},
		})
	if err != nil {
		return nil, classify(err, fmt.Sprintf("failed to get message %s", id))
	}

	raw := a.convert(msg)

	if hasAtt := msg.GetHasAttachments(); hasAtt != nil && *hasAtt {
		if err := a.appendAttachments(ctx, id, raw); err != nil {
			return nil, err
		}
	}

	return raw, nil
}

// convert maps a Graph message onto the provider-independent raw form: a
// single body part carrying the message headers, with attachment parts added
// separately.
func (a *Adapter) convert(m models.Messageable) *mail.RawMessage {
	raw := &mail.RawMessage{}

	if id := m.GetId(); id != nil {
		raw.ID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		raw.ThreadID = *convID
	}
	if preview := m.GetBodyPreview(); preview != nil {
		raw.Snippet = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.InternalDate = rcvd.UnixMilli()
	}
	if isRead := m.GetIsRead(); isRead != nil && !*isRead {
		raw.LabelIDs = append(raw.LabelIDs, "UNREAD")
	}

	body := &mail.RawPart{MimeType: "text/plain"}
	if b := m.GetBody(); b != nil {
		if ct := b.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			body.MimeType = "text/html"
		}
		if content := b.GetContent(); content != nil {
			body.Data = base64.RawURLEncoding.EncodeToString([]byte(*content))
			body.Size = int64(len(*content))
		}
	}

	if headers := m.GetInternetMessageHeaders(); headers != nil {
		for _, h := range headers {
			if h.GetName() != nil && h.GetValue() != nil {
				body.Headers = append(body.Headers, mail.RawHeader{Name: *h.GetName(), Value: *h.GetValue()})
			}
		}
	}

	raw.Payload = body
	return raw
}

// appendAttachments folds attachment metadata into the raw part tree so the
// parser sees them the same way it sees Gmail attachment parts.
func (a *Adapter) appendAttachments(ctx context.Context, messageID string, raw *mail.RawMessage) error {
	result, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(messageID).Attachments().Get(ctx, nil)
	if err != nil {
		return classify(err, fmt.Sprintf("failed to list attachments of %s", messageID))
	}

	// The body becomes a container so attachment parts can sit beside it.
	body := raw.Payload
	raw.Payload = &mail.RawPart{
		MimeType: "multipart/mixed",
		Headers:  body.Headers,
		Parts:    []*mail.RawPart{{MimeType: body.MimeType, Data: body.Data, Size: body.Size}},
	}

	for _, att := range result.GetValue() {
		part := &mail.RawPart{}
		if id := att.GetId(); id != nil {
			part.AttachmentID = *id
		}
		if name := att.GetName(); name != nil {
			part.Filename = *name
		}
		if ct := att.GetContentType(); ct != nil {
			part.MimeType = *ct
		}
		if size := att.GetSize(); size != nil {
			part.Size = int64(*size)
		}
		if part.Filename == "" || part.AttachmentID == "" {
			continue
		}
		raw.Payload.Parts = append(raw.Payload.Parts, part)
	}

	return nil
}

// historyFilter selects messages received at or after the cursor timestamp.
// Graph timestamps are second-granular, so a strict "gt" would lose a second
// message sharing the boundary second; "ge" re-observes boundary messages
// instead and the store's dedup absorbs the repeats.
func historyFilter(since time.Time) string {
	return fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339))
}

func collectRefs(messages []models.Messageable) ([]mail.MessageRef, time.Time) {
	var (
		refs   []mail.MessageRef
		newest time.Time
	)
	for _, msg := range messages {
		if msg == nil || msg.GetId() == nil {
			continue
		}
		ref := mail.MessageRef{ID: *msg.GetId()}
		if convID := msg.GetConversationId(); convID != nil {
			ref.ThreadID = *convID
		}
		refs = append(refs, ref)
		if rcvd := msg.GetReceivedDateTime(); rcvd != nil && rcvd.After(newest) {
			newest = *rcvd
		}
	}
	return refs, newest
}

// classify wraps throttling and server-side Graph failures as transient.
func classify(err error, msg string) error {
	text := err.Error()
	if strings.Contains(text, "429") || strings.Contains(text, "TooManyRequests") ||
		strings.Contains(text, "503") || strings.Contains(text, "ServiceNotAvailable") {
		return &sync.TransientError{Err: fmt.Errorf("%s: %w", msg, err)}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// staticTokenCredential implements the Azure credential interface over an
// access token the credential manager already refreshed.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}
