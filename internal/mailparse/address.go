package mailparse

import (
	netmail "net/mail"
	"regexp"
	"strings"

	"github.com/relaycrm/mailsync/internal/mail"
)

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// ParseAddress extracts an {email, name} pair from a raw header value. It is
// total: malformed input degrades to an embedded-email extraction, and input
// with no email-like substring at all comes back lower-cased as the email with
// no name.
func ParseAddress(raw string) mail.Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return mail.Address{}
	}

	if addr, err := netmail.ParseAddress(raw); err == nil {
		return mail.Address{
			Email: strings.ToLower(addr.Address),
			Name:  strings.TrimSpace(addr.Name),
		}
	}

	if match := emailPattern.FindStringIndex(raw); match != nil {
		email := strings.ToLower(raw[match[0]:match[1]])
		name := raw[:match[0]]
		name = strings.Trim(name, " \t<>\"'")
		return mail.Address{Email: email, Name: strings.TrimSpace(name)}
	}

	return mail.Address{Email: strings.ToLower(raw)}
}

// ParseRecipients splits a recipient header on commas that sit outside quoted
// strings, parses each segment, and tags the results with kind. Segments that
// yield no address are dropped.
func ParseRecipients(headerValue string, kind mail.RecipientKind) []mail.Recipient {
	var recipients []mail.Recipient
	for _, segment := range splitAddressList(headerValue) {
		addr := ParseAddress(segment)
		if addr.Email == "" {
			continue
		}
		recipients = append(recipients, mail.Recipient{Address: addr, Kind: kind})
	}
	return recipients
}

// splitAddressList splits on commas outside double quotes, so display names
// like "Doe, Jane" survive intact.
func splitAddressList(s string) []string {
	var parts []string
	var sb strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			sb.WriteRune(r)
		case r == ',' && !inQuotes:
			if seg := strings.TrimSpace(sb.String()); seg != "" {
				parts = append(parts, seg)
			}
			sb.Reset()
		default:
			sb.WriteRune(r)
		}
	}
	if seg := strings.TrimSpace(sb.String()); seg != "" {
		parts = append(parts, seg)
	}
	return parts
}
