package provider

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// BuildRFC822 renders a draft into a wire-ready RFC 822 message: a
// multipart/alternative body for the text and HTML parts plus any
// attachments. Bcc recipients stay off the headers; they are envelope-only.
func BuildRFC822(draft Draft, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Name: draft.FromName, Address: draft.From}})
	h.SetAddressList("To", toAddressList(draft.To))
	if len(draft.Cc) > 0 {
		h.SetAddressList("Cc", toAddressList(draft.Cc))
	}
	h.SetSubject(draft.Subject)
	if draft.MessageID != "" {
		h.SetMessageID(draft.MessageID)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}

	inline, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline part: %w", err)
	}
	if draft.TextBody != "" {
		var th mail.InlineHeader
		th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := inline.CreatePart(th)
		if err != nil {
			return nil, fmt.Errorf("create text part: %w", err)
		}
		io.WriteString(w, draft.TextBody)
		w.Close()
	}
	if draft.HTMLBody != "" {
		var hh mail.InlineHeader
		hh.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		w, err := inline.CreatePart(hh)
		if err != nil {
			return nil, fmt.Errorf("create html part: %w", err)
		}
		io.WriteString(w, draft.HTMLBody)
		w.Close()
	}
	inline.Close()

	for _, att := range draft.Attachments {
		var ah mail.AttachmentHeader
		ah.SetFilename(att.FileName)
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.SetContentType(ct, nil)
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("create attachment %q: %w", att.FileName, err)
		}
		w.Write(att.Content)
		w.Close()
	}

	mw.Close()
	return buf.Bytes(), nil
}

func toAddressList(addrs []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}

// ParsedBody is the decoded content of a fetched RFC 822 message.
type ParsedBody struct {
	TextBody    string
	HTMLBody    string
	Attachments []RawAttachment
}

// ParseRFC822 decodes a raw message into its text body, HTML body and
// attachments. A message that cannot be parsed as MIME at all is treated as
// a bare text body rather than an error.
func ParseRFC822(raw []byte) ParsedBody {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return ParsedBody{TextBody: string(raw)}
	}
	defer mr.Close()

	var body ParsedBody
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			content, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				if body.TextBody == "" {
					body.TextBody = string(content)
				}
			case strings.HasPrefix(contentType, "text/html"):
				if body.HTMLBody == "" {
					body.HTMLBody = string(content)
				}
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			content, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			body.Attachments = append(body.Attachments, RawAttachment{
				FileName:    filename,
				ContentType: contentType,
				Content:     content,
			})
		}
	}
	return body
}
