package notify

import (
	"bytes"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
)

// BuildMessage turns a payload into a mail message: a quoted-printable text
// part with an HTML alternative, plus the chart embedded under ChartContentID.
func BuildMessage(from string, p Payload, now time.Time) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("sender %q: %w", from, err)
	}
	if err := m.To(p.To); err != nil {
		return nil, fmt.Errorf("recipient %q: %w", p.To, err)
	}
	m.Subject(p.Subject)
	m.SetDateWithValue(now)
	m.SetMessageID()

	m.SetBodyString(mail.TypeTextPlain, p.Text, mail.WithPartEncoding(mail.EncodingQP))
	m.AddAlternativeString(mail.TypeTextHTML, p.HTML, mail.WithPartEncoding(mail.EncodingQP))

	if len(p.Chart) > 0 {
		err := m.EmbedReader("chart.png", bytes.NewReader(p.Chart),
			mail.WithFileContentID("<"+ChartContentID+">"),
			mail.WithFileContentType(mail.ContentType("image/png")),
		)
		if err != nil {
			return nil, fmt.Errorf("embed chart: %w", err)
		}
	}
	return m, nil
}
