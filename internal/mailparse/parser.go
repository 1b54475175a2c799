// Package mailparse converts raw provider messages into normalized parsed
// emails: headers, bodies, recipients, threading ids and attachment metadata.
package mailparse

import (
	"encoding/base64"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/relaycrm/mailsync/internal/mail"
)

const noSubject = "no subject"

// Parse normalizes one fetched message. ownerEmail is the address of the
// connection that observed the message and drives direction derivation.
func Parse(raw *mail.RawMessage, ownerEmail string) (*mail.ParsedEmail, error) {
	if raw == nil || raw.Payload == nil {
		return nil, fmt.Errorf("message %q has no payload", messageID(raw))
	}

	headers := headerMap(raw.Payload.Headers)

	parsed := &mail.ParsedEmail{
		ProviderID: raw.ID,
		ThreadID:   raw.ThreadID,
		Snippet:    raw.Snippet,
		Labels:     raw.LabelIDs,
		InReplyTo:  headers["in-reply-to"],
		References: headers["references"],
	}

	// Message-ID is the provider-independent dedup key; fall back to the
	// provider id when the header is missing.
	parsed.StableID = strings.TrimSpace(headers["message-id"])
	if parsed.StableID == "" {
		parsed.StableID = raw.ID
	}

	parsed.Subject = headers["subject"]
	if parsed.Subject == "" {
		parsed.Subject = noSubject
	}

	parsed.From = ParseAddress(headers["from"])
	parsed.Recipients = append(parsed.Recipients, ParseRecipients(headers["to"], mail.RecipientTo)...)
	parsed.Recipients = append(parsed.Recipients, ParseRecipients(headers["cc"], mail.RecipientCc)...)
	parsed.Recipients = append(parsed.Recipients, ParseRecipients(headers["bcc"], mail.RecipientBcc)...)

	parsed.ReceivedAt = receivedAt(headers["date"], raw.InternalDate)
	parsed.Direction = direction(raw.LabelIDs, parsed.From.Email, ownerEmail)

	extractParts(raw.Payload, parsed)

	// Synthesize plain text from HTML when no text/plain part exists anywhere
	// in the tree.
	if parsed.BodyText == "" && parsed.BodyHTML != "" {
		parsed.BodyText = htmlToText(parsed.BodyHTML)
	}

	return parsed, nil
}

func messageID(raw *mail.RawMessage) string {
	if raw == nil {
		return ""
	}
	return raw.ID
}

// headerMap lowers header names so lookups are case-insensitive. The first
// occurrence of a header wins.
func headerMap(headers []mail.RawHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		key := strings.ToLower(h.Name)
		if _, ok := m[key]; !ok {
			m[key] = h.Value
		}
	}
	return m
}

// extractParts walks the part tree depth-first, collecting the first
// text/plain part, the first text/html part and every attachment. A part with
// children is recursed into regardless of its declared type.
func extractParts(part *mail.RawPart, parsed *mail.ParsedEmail) {
	if part == nil {
		return
	}

	if len(part.Parts) > 0 {
		for _, child := range part.Parts {
			extractParts(child, parsed)
		}
		return
	}

	// A named part with an out-of-line content reference is an attachment; it
	// contributes metadata and is never mined for body text.
	if part.Filename != "" && part.AttachmentID != "" {
		parsed.Attachments = append(parsed.Attachments, mail.Attachment{
			AttachmentID: part.AttachmentID,
			Filename:     part.Filename,
			MimeType:     part.MimeType,
			Size:         part.Size,
		})
		return
	}

	mimeType := strings.ToLower(part.MimeType)
	switch {
	case strings.HasPrefix(mimeType, "text/plain") && parsed.BodyText == "":
		parsed.BodyText = decodeBody(part.Data)
	case strings.HasPrefix(mimeType, "text/html") && parsed.BodyHTML == "":
		parsed.BodyHTML = decodeBody(part.Data)
	}
}

// decodeBody reconstitutes body text from the provider's URL-safe base64
// encoding. Padded and standard alphabets are accepted too, and content that
// is not valid multi-byte text is kept byte-for-byte rather than rejected.
func decodeBody(data string) string {
	if data == "" {
		return ""
	}
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.StdEncoding,
	} {
		if b, err := enc.DecodeString(data); err == nil {
			return string(b)
		}
	}
	return ""
}

// receivedAt prefers the Date header and falls back to the provider-assigned
// internal timestamp.
func receivedAt(dateHeader string, internalDate int64) time.Time {
	if dateHeader != "" {
		if t, err := netmail.ParseDate(dateHeader); err == nil {
			return t
		}
	}
	return time.UnixMilli(internalDate)
}

// direction is OUTBOUND iff the provider marked the message as sent or the
// sender is the owning account itself.
func direction(labels []string, fromEmail, ownerEmail string) mail.Direction {
	if mail.HasLabel(labels, "SENT") {
		return mail.DirectionOutbound
	}
	if fromEmail != "" && strings.EqualFold(fromEmail, ownerEmail) {
		return mail.DirectionOutbound
	}
	return mail.DirectionInbound
}
