package participants

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jhillyerd/enmime"
)

// Part is one decoded leaf of a message's MIME tree
type Part struct {
	ContentType string
	FileName    string
	Content     []byte
}

// Message is a parsed raw email
type Message struct {
	Subject string
	Parts   []Part
}

// ParseMessage decodes a raw RFC 5322 message into its leaf parts. Transfer
// encodings and charsets are decoded; multipart containers are skipped.
func ParseMessage(raw []byte) (*Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	if env.Root == nil {
		return nil, fmt.Errorf("failed to read message: no MIME root")
	}

	leaves := env.Root.DepthMatchAll(func(p *enmime.Part) bool {
		return !strings.HasPrefix(p.ContentType, "multipart/")
	})

	msg := &Message{Subject: env.GetHeader("Subject")}
	for _, p := range leaves {
		msg.Parts = append(msg.Parts, Part{
			ContentType: strings.ToLower(p.ContentType),
			FileName:    p.FileName,
			Content:     p.Content,
		})
	}
	return msg, nil
}

// CalendarParts returns the bodies of all iCalendar parts
func (m *Message) CalendarParts() [][]byte {
	var out [][]byte
	for _, p := range m.Parts {
		if p.IsCalendar() {
			out = append(out, p.Content)
		}
	}
	return out
}

// IsCalendar reports whether the part carries an iCalendar payload
func (p Part) IsCalendar() bool {
	switch p.ContentType {
	case "text/calendar", "application/ics":
		return true
	}
	return strings.HasSuffix(strings.ToLower(p.FileName), ".ics")
}
