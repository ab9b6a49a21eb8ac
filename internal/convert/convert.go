// Package convert turns wall posts into Telegram MarkdownV2 messages.
package convert

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/vklachkov/glashatay/internal/source"
)

// ErrConversion is returned when a post cannot be turned into a message.
var ErrConversion = errors.New("convert post")

// vkBaseURL prefixes link targets that are not absolute URLs.
const vkBaseURL = "https://vk.com/"

// linkRe matches VK inline links such as [club1|Community] or [id1|Pavel].
var linkRe = regexp.MustCompile(`\[([^\[\]|\n]+)\|([^\[\]\n]+)\]`)

// PhotoRef points at the photo bytes the delivery side downloads.
type PhotoRef struct {
	URL     string
	Caption string
}

// Message is a post ready for delivery.
type Message struct {
	DestinationID int64
	Text          string // MarkdownV2
	Photos        []PhotoRef
	Pin           bool

	// Unsupported lists the kinds of attachments that were left out.
	Unsupported []string
}

// Empty reports whether there is nothing to send.
func (m Message) Empty() bool {
	return strings.TrimSpace(m.Text) == "" && len(m.Photos) == 0
}

// Converter holds the conversion settings. The zero value is ready to use.
type Converter struct {
	redactions []*regexp.Regexp
}

// New creates a converter that replaces matches of the given patterns with
// [REDACTED] before formatting.
func New(redactPatterns []string) (*Converter, error) {
	compiled, err := CompileRedactions(redactPatterns)
	if err != nil {
		return nil, err
	}
	return &Converter{redactions: compiled}, nil
}

// Convert builds the message for one post. It has no side effects: the same
// input always yields the same output.
func (c *Converter) Convert(post source.Post, destinationID int64) (Message, error) {
	msg := Message{
		DestinationID: destinationID,
		Pin:           post.Pinned,
	}

	for i, a := range post.Attachments {
		if !a.Supported() {
			msg.Unsupported = append(msg.Unsupported, a.Kind)
			continue
		}
		size, ok := a.Photo.Size(source.SizeLarge)
		if !ok || size.URL == "" {
			return Message{}, fmt.Errorf("%w: post %s: photo %d has no %q size", ErrConversion, post.ID, i, source.SizeLarge)
		}
		msg.Photos = append(msg.Photos, PhotoRef{
			URL:     size.URL,
			Caption: a.Photo.Description,
		})
	}

	text := post.Text
	if c != nil {
		text = applyRedactions(text, c.redactions)
	}
	msg.Text = FormatText(text)

	return msg, nil
}

// FormatText rewrites VK links into MarkdownV2 links and escapes the rest.
func FormatText(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/8)

	pos := 0
	for _, m := range linkRe.FindAllStringSubmatchIndex(text, -1) {
		b.WriteString(EscapeMarkdown(text[pos:m[0]]))

		target := text[m[2]:m[3]]
		label := text[m[4]:m[5]]
		b.WriteByte('[')
		b.WriteString(EscapeMarkdown(label))
		b.WriteString("](")
		b.WriteString(escapeLinkURL(linkURL(target)))
		b.WriteByte(')')

		pos = m[1]
	}
	b.WriteString(EscapeMarkdown(text[pos:]))

	return b.String()
}

func linkURL(target string) string {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return vkBaseURL + target
}

// EscapeMarkdown escapes every character reserved by MarkdownV2.
func EscapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune("_*[]()~`>#+-=|{}.!\\", r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeLinkURL escapes the two characters MarkdownV2 reserves inside (...).
func escapeLinkURL(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == ')' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
