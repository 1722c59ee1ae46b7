package spark

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PlainText returns the message body as plain text. Spark fills text for
// most clients, but messages composed as rich text sometimes carry only
// html or markdown.
func (m *Message) PlainText() string {
	if text := strings.TrimSpace(m.Text); text != "" {
		return text
	}
	if m.HTML != nil {
		if text := htmlText(*m.HTML, false); text != "" {
			return text
		}
	}
	if m.Markdown != nil {
		return strings.TrimSpace(*m.Markdown)
	}
	return ""
}

// CommandText returns the body with @-mentions removed. In group rooms
// Spark only delivers posts that mention the bot, so the mention is not
// part of what the sender asked for.
func (m *Message) CommandText() string {
	if m.HTML != nil {
		if text := htmlText(*m.HTML, true); text != "" {
			return text
		}
	}
	return m.PlainText()
}

func htmlText(body string, dropMentions bool) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ""
	}
	if dropMentions {
		doc.Find("spark-mention").Remove()
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
