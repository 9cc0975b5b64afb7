package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	// Register common charsets for MIME decoding.
	_ "github.com/emersion/go-message/charset"
)

// Message is an immutable snapshot of one mail fetched from the active
// folder. It is owned by the processing loop for the duration of a
// single pass and never persisted.
type Message struct {
	UID     imap.UID
	Date    time.Time
	Seen    bool
	Subject string
	From    string
	Body    string
}

// Fingerprint derives the in-run deduplication key: uid + date + subject
// when all three are known, the uid alone otherwise.
func (m Message) Fingerprint() string {
	if m.UID != 0 && !m.Date.IsZero() && m.Subject != "" {
		return fmt.Sprintf("%d_%s_%s", m.UID, m.Date.UTC().Format(time.RFC3339), m.Subject)
	}
	return fmt.Sprintf("%d", m.UID)
}

// Age returns how long ago the message was received. Messages without a
// date report zero age so the stale rule never matches them.
func (m Message) Age(now time.Time) time.Duration {
	if m.Date.IsZero() {
		return 0
	}
	return now.Sub(m.Date)
}

// messageFromBuffer converts a fetched buffer into a Message. The body is
// the decoded text/html part when present, the text/plain part otherwise.
func messageFromBuffer(buf *imapclient.FetchMessageBuffer) Message {
	msg := Message{UID: buf.UID}

	if env := buf.Envelope; env != nil {
		msg.Subject = env.Subject
		msg.Date = env.Date
		if len(env.From) > 0 {
			msg.From = env.From[0].Addr()
		}
	}
	for _, f := range buf.Flags {
		if f == imap.FlagSeen {
			msg.Seen = true
			break
		}
	}
	for _, section := range buf.BodySection {
		html, plain := extractTextParts(section)
		if html != "" {
			msg.Body = html
		} else if plain != "" {
			msg.Body = plain
		}
		break
	}
	return msg
}

// extractTextParts walks the MIME structure of a raw message and returns
// the first text/html and text/plain inline parts. Unreadable parts are
// skipped; a fully unparseable message yields empty strings.
func extractTextParts(raw []byte) (html, plain string) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", ""
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(ct, "text/html") && html == "":
			html = string(body)
		case strings.HasPrefix(ct, "text/plain") && plain == "":
			plain = string(body)
		}
	}
	return html, plain
}
