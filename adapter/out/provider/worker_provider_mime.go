package provider

import (
	"bytes"
	"fmt"
	"html"
	"net/mail"
	"strings"
	"time"

	"mailflow/core/port/out"

	"github.com/jhillyerd/enmime"
)

// =============================================================================
// RFC 822 parsing / building
// =============================================================================

// parseRawMessage decodes a raw RFC 822 message. Provider ids are left to the caller.
func parseRawMessage(raw []byte) (*out.ProviderMailMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}

	msg := &out.ProviderMailMessage{
		MessageID:  env.GetHeader("Message-Id"),
		InReplyTo:  env.GetHeader("In-Reply-To"),
		References: env.GetHeader("References"),
		Subject:    strings.TrimSpace(env.GetHeader("Subject")),
		To:         envelopeAddresses(env, "To"),
		CC:         envelopeAddresses(env, "Cc"),
		BCC:        envelopeAddresses(env, "Bcc"),
		BodyHTML:   htmlBody(env.HTML, env.Text),
		BodyText:   env.Text,
	}
	if from := envelopeAddresses(env, "From"); len(from) > 0 {
		msg.From = from[0]
	}
	if d, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		msg.Date = d.UTC()
	}

	for _, p := range env.Attachments {
		msg.Attachments = append(msg.Attachments, attachmentOf(p, false))
	}
	for _, p := range env.Inlines {
		msg.Attachments = append(msg.Attachments, attachmentOf(p, true))
	}
	return msg, nil
}

// htmlBody prefers the HTML part; plain text is escaped and wrapped in <pre>.
func htmlBody(htmlPart, textPart string) string {
	if strings.TrimSpace(htmlPart) != "" {
		return htmlPart
	}
	if textPart == "" {
		return ""
	}
	return "<pre>" + html.EscapeString(textPart) + "</pre>"
}

func envelopeAddresses(env *enmime.Envelope, header string) []out.ProviderEmailAddress {
	list, err := env.AddressList(header)
	if err != nil || len(list) == 0 {
		return nil
	}
	addrs := make([]out.ProviderEmailAddress, 0, len(list))
	for _, a := range list {
		if a == nil || a.Address == "" {
			continue
		}
		addrs = append(addrs, out.ProviderEmailAddress{Name: a.Name, Email: strings.ToLower(a.Address)})
	}
	return addrs
}

func attachmentOf(p *enmime.Part, inline bool) out.ProviderMailAttachment {
	return out.ProviderMailAttachment{
		ID:        p.ContentID,
		Filename:  p.FileName,
		MimeType:  p.ContentType,
		Size:      int64(len(p.Content)),
		ContentID: p.ContentID,
		IsInline:  inline,
	}
}

// buildRawMessage encodes an outgoing message as RFC 822.
func buildRawMessage(msg *out.ProviderOutgoingMessage, now time.Time) ([]byte, error) {
	if msg.From.Email == "" {
		return nil, fmt.Errorf("sender address required")
	}
	if len(msg.To) == 0 && len(msg.CC) == 0 {
		return nil, fmt.Errorf("at least one recipient required")
	}

	subject := msg.Subject
	if subject == "" {
		subject = "(No subject)"
	}

	b := enmime.Builder().
		From(msg.From.Name, msg.From.Email).
		Subject(subject).
		Date(now).
		ToAddrs(mailAddresses(msg.To)).
		CCAddrs(mailAddresses(msg.CC))
	if msg.InReplyTo != "" {
		b = b.Header("In-Reply-To", msg.InReplyTo)
	}
	if msg.References != "" {
		b = b.Header("References", msg.References)
	}
	if msg.IsHTML {
		b = b.HTML([]byte(msg.Body))
	} else {
		b = b.Text([]byte(msg.Body))
	}

	root, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build message: %w", err)
	}
	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return buf.Bytes(), nil
}

func mailAddresses(list []out.ProviderEmailAddress) []mail.Address {
	addrs := make([]mail.Address, 0, len(list))
	for _, a := range list {
		if a.Email != "" {
			addrs = append(addrs, mail.Address{Name: a.Name, Address: a.Email})
		}
	}
	return addrs
}
