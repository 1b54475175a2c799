// Package mail holds the shared data model of the ingestion engine: connections,
// raw provider messages, parsed emails and the records the store persists.
package mail

import "time"

// ProviderName identifies the external mailbox provider of a connection.
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
)

// Direction of a message relative to the owning account.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// Connection is one authorized link between a local user and an external
// mailbox account. Mutable fields are owned by the orchestrator during a pass
// and written back once, at the end of the pass.
type Connection struct {
	ID            string
	UserID        string
	Email         string
	Provider      ProviderName
	AccessToken   string
	RefreshToken  string
	TokenExpiry   time.Time
	HistoryCursor string // empty when no valid cursor is known
	LastSyncAt    time.Time
	Active        bool
	LastError     string
	LastErrorAt   time.Time
}

// MessageRef is an ephemeral (providerMessageId, providerThreadId) pair
// returned by a sync call and consumed immediately by the fetcher.
type MessageRef struct {
	ID       string
	ThreadID string
}

// RawHeader is a single provider message header.
type RawHeader struct {
	Name  string
	Value string
}

// RawPart is one node of a provider message's body tree. A part either carries
// inline URL-safe base64 data, an out-of-line attachment reference, or child
// parts. Containers may declare any MIME type and must still be recursed into.
type RawPart struct {
	MimeType     string
	Filename     string
	Headers      []RawHeader
	Data         string // URL-safe base64, inline content only
	AttachmentID string // set when content lives out of line
	Size         int64
	Parts        []*RawPart
}

// RawMessage is a fetched provider message before parsing.
type RawMessage struct {
	ID           string
	ThreadID     string
	Snippet      string
	InternalDate int64 // provider-assigned, epoch milliseconds
	LabelIDs     []string
	Payload      *RawPart
}

// Address is an {email, display name} pair. Name is empty when the raw header
// carried none.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// RecipientKind tags a recipient with the header it came from.
type RecipientKind string

const (
	RecipientTo  RecipientKind = "to"
	RecipientCc  RecipientKind = "cc"
	RecipientBcc RecipientKind = "bcc"
)

// Recipient is one addressee of a message.
type Recipient struct {
	Address
	Kind RecipientKind `json:"kind"`
}

// Attachment is attachment metadata only; binary content is fetched separately.
type Attachment struct {
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
}

// ParsedEmail is the normalized result of parsing one fetched message.
// StableID prefers the Message-ID header and falls back to the provider id, so
// it is the dedup key across connections. BodyText is never empty when any
// textual content exists anywhere in the part tree.
type ParsedEmail struct {
	StableID    string
	ProviderID  string
	ThreadID    string
	InReplyTo   string
	References  string
	Direction   Direction
	Subject     string
	BodyText    string
	BodyHTML    string
	Snippet     string
	From        Address
	Recipients  []Recipient
	ReceivedAt  time.Time
	Labels      []string
	Attachments []Attachment
}

// Visibility is one user's view of a stored email.
type Visibility struct {
	Folder string
	IsRead bool
}

// IngestOutcome reports what the store did with one parsed email.
type IngestOutcome int

const (
	IngestStored IngestOutcome = iota // first sight, new row
	IngestDeduplicated                // already stored, visibility attached
	IngestSkipped                     // retired by a processed marker
)

func (o IngestOutcome) String() string {
	switch o {
	case IngestStored:
		return "stored"
	case IngestDeduplicated:
		return "deduplicated"
	case IngestSkipped:
		return "skipped"
	}
	return "unknown"
}
