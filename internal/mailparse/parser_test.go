package mailparse

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/relaycrm/mailsync/internal/mail"
)

func b64(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func textPart(mimeType, content string) *mail.RawPart {
	return &mail.RawPart{MimeType: mimeType, Data: b64(content)}
}

func baseMessage(headers ...mail.RawHeader) *mail.RawMessage {
	return &mail.RawMessage{
		ID:           "prov-1",
		ThreadID:     "thread-1",
		Snippet:      "snippet",
		InternalDate: 1700000000000,
		Payload: &mail.RawPart{
			MimeType: "text/plain",
			Headers:  headers,
			Data:     b64("hello"),
		},
	}
}

func TestParseHeadersAndThreading(t *testing.T) {
	raw := baseMessage(
		mail.RawHeader{Name: "Message-ID", Value: "<abc@mail.example>"},
		mail.RawHeader{Name: "SUBJECT", Value: "Quarterly report"},
		mail.RawHeader{Name: "from", Value: `"Jane Doe" <jane@x.com>`},
		mail.RawHeader{Name: "To", Value: "bob@y.org"},
		mail.RawHeader{Name: "Cc", Value: "carol@z.net"},
		mail.RawHeader{Name: "In-Reply-To", Value: "<parent@mail.example>"},
		mail.RawHeader{Name: "References", Value: "<root@mail.example> <parent@mail.example>"},
		mail.RawHeader{Name: "Date", Value: "Tue, 14 Nov 2023 12:00:00 +0000"},
	)

	parsed, err := Parse(raw, "owner@x.com")
	if err != nil {
		t.Fatal(err)
	}

	if parsed.StableID != "<abc@mail.example>" {
		t.Errorf("stable id = %q", parsed.StableID)
	}
	if parsed.Subject != "Quarterly report" {
		t.Errorf("subject = %q (header lookup must be case-insensitive)", parsed.Subject)
	}
	if parsed.From.Email != "jane@x.com" || parsed.From.Name != "Jane Doe" {
		t.Errorf("from = %+v", parsed.From)
	}
	if len(parsed.Recipients) != 2 {
		t.Fatalf("recipients = %+v", parsed.Recipients)
	}
	if parsed.Recipients[0].Kind != mail.RecipientTo || parsed.Recipients[1].Kind != mail.RecipientCc {
		t.Errorf("recipient kinds = %+v", parsed.Recipients)
	}
	if parsed.InReplyTo != "<parent@mail.example>" {
		t.Errorf("in-reply-to = %q", parsed.InReplyTo)
	}
	if parsed.BodyText != "hello" {
		t.Errorf("body = %q", parsed.BodyText)
	}
	want := time.Date(2023, 11, 14, 12, 0, 0, 0, time.UTC)
	if !parsed.ReceivedAt.Equal(want) {
		t.Errorf("received at = %v, want %v", parsed.ReceivedAt, want)
	}
}

func TestParseDefaults(t *testing.T) {
	raw := baseMessage() // no headers at all

	parsed, err := Parse(raw, "owner@x.com")
	if err != nil {
		t.Fatal(err)
	}

	if parsed.Subject != "no subject" {
		t.Errorf("subject = %q, want placeholder", parsed.Subject)
	}
	if parsed.StableID != "prov-1" {
		t.Errorf("stable id = %q, want provider id fallback", parsed.StableID)
	}
	if got := parsed.ReceivedAt; !got.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("received at = %v, want internal date fallback", got)
	}
	if parsed.Direction != mail.DirectionInbound {
		t.Errorf("direction = %q", parsed.Direction)
	}
}

func TestParseNilPayload(t *testing.T) {
	if _, err := Parse(&mail.RawMessage{ID: "x"}, "owner@x.com"); err == nil {
		t.Error("expected error for message without payload")
	}
	if _, err := Parse(nil, "owner@x.com"); err == nil {
		t.Error("expected error for nil message")
	}
}

func TestParseMultipartDeepTree(t *testing.T) {
	// html appears before plain, both nested below a container that declares
	// an unrelated type; the walk must recurse regardless of declared type and
	// pick each part independently.
	raw := &mail.RawMessage{
		ID:           "prov-2",
		InternalDate: 1700000000000,
		Payload: &mail.RawPart{
			MimeType: "multipart/mixed",
			Parts: []*mail.RawPart{
				{
					MimeType: "application/x-unknown-wrapper",
					Parts: []*mail.RawPart{
						textPart("text/html", "<p>rich</p>"),
						textPart("text/plain", "plain wins"),
					},
				},
				textPart("text/plain", "second plain is ignored"),
			},
		},
	}

	parsed, err := Parse(raw, "owner@x.com")
	if err != nil {
		t.Fatal(err)
	}
	if parsed.BodyText != "plain wins" {
		t.Errorf("body text = %q", parsed.BodyText)
	}
	if parsed.BodyHTML != "<p>rich</p>" {
		t.Errorf("body html = %q", parsed.BodyHTML)
	}
}

func TestParseHTMLOnlyBodyFallback(t *testing.T) {
	raw := &mail.RawMessage{
		ID:           "prov-3",
		InternalDate: 1700000000000,
		Payload: &mail.RawPart{
			MimeType: "multipart/alternative",
			Parts: []*mail.RawPart{
				textPart("text/html", "<html><head><style>p{color:red}</style></head><body><h1>Invoice</h1><p>Total: &euro;42</p></body></html>"),
			},
		},
	}

	parsed, err := Parse(raw, "owner@x.com")
	if err != nil {
		t.Fatal(err)
	}
	if parsed.BodyText == "" {
		t.Fatal("body text must be synthesized from HTML")
	}
	if strings.ContainsAny(parsed.BodyText, "<>") {
		t.Errorf("markup left in synthesized text: %q", parsed.BodyText)
	}
	if !strings.Contains(parsed.BodyText, "Invoice") || !strings.Contains(parsed.BodyText, "€42") {
		t.Errorf("synthesized text = %q", parsed.BodyText)
	}
	if strings.Contains(parsed.BodyText, "color:red") {
		t.Errorf("style content leaked into text: %q", parsed.BodyText)
	}
}

func TestParseAttachments(t *testing.T) {
	raw := &mail.RawMessage{
		ID:           "prov-4",
		InternalDate: 1700000000000,
		Payload: &mail.RawPart{
			MimeType: "multipart/mixed",
			Parts: []*mail.RawPart{
				textPart("text/plain", "see attached"),
				{
					MimeType:     "application/pdf",
					Filename:     "report.pdf",
					AttachmentID: "att-1",
					Size:         2048,
				},
				{
					// Inline image with decoded bytes but no out-of-line
					// reference: not an attachment.
					MimeType: "image/png",
					Filename: "logo.png",
					Data:     b64("pngbytes"),
				},
			},
		},
	}

	parsed, err := Parse(raw, "owner@x.com")
	if err != nil {
		t.Fatal(err)
	}

	if len(parsed.Attachments) != 1 {
		t.Fatalf("attachments = %+v", parsed.Attachments)
	}
	att := parsed.Attachments[0]
	if att.AttachmentID != "att-1" || att.Filename != "report.pdf" || att.Size != 2048 {
		t.Errorf("attachment = %+v", att)
	}
	if parsed.BodyText != "see attached" {
		t.Errorf("body text = %q", parsed.BodyText)
	}
}

func TestParseDirection(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		from   string
		want   mail.Direction
	}{
		{"sent marker", []string{"SENT"}, "someone@else.com", mail.DirectionOutbound},
		{"sender equals owner", nil, "Owner@X.COM", mail.DirectionOutbound},
		{"plain inbound", []string{"INBOX"}, "someone@else.com", mail.DirectionInbound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := baseMessage(mail.RawHeader{Name: "From", Value: tt.from})
			raw.LabelIDs = tt.labels

			parsed, err := Parse(raw, "owner@x.com")
			if err != nil {
				t.Fatal(err)
			}
			if parsed.Direction != tt.want {
				t.Errorf("direction = %q, want %q", parsed.Direction, tt.want)
			}
		})
	}
}

func TestDecodeBodyTolerance(t *testing.T) {
	// Multi-byte text through the URL-safe alphabet.
	if got := decodeBody(b64("héllo ✓ 日本語")); got != "héllo ✓ 日本語" {
		t.Errorf("got %q", got)
	}

	// Padded standard alphabet is accepted too.
	padded := base64.StdEncoding.EncodeToString([]byte("padded"))
	if got := decodeBody(padded); got != "padded" {
		t.Errorf("got %q", got)
	}

	// Bytes that are not valid UTF-8 are kept, not rejected.
	binary := string([]byte{0xff, 0xfe, 0x01})
	if got := decodeBody(base64.RawURLEncoding.EncodeToString([]byte{0xff, 0xfe, 0x01})); got != binary {
		t.Errorf("binary content mangled: %q", got)
	}

	if got := decodeBody("!!! not base64 !!!"); got != "" {
		t.Errorf("got %q for undecodable input", got)
	}
}
