// Package deliver sends converted posts to Telegram chats.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/vklachkov/glashatay/internal/convert"
)

// ErrDeliver marks every failure to put a message into the destination chat.
var ErrDeliver = errors.New("deliver message")

const (
	// MaxGroupSize is the largest album Telegram accepts.
	MaxGroupSize = 10

	// MaxTextRunes is the longest text of a single message.
	MaxTextRunes = 4096

	defaultMaxPhotoBytes   = 10 << 20
	defaultDownloadTimeout = 60 * time.Second
)

// Photo is an image ready for upload.
type Photo struct {
	Name    string
	Data    []byte
	Caption string
}

// Bot is the destination messenger.
type Bot interface {
	SendText(ctx context.Context, chatID int64, text string) (int64, error)
	SendPhotoGroup(ctx context.Context, chatID int64, photos []Photo) (int64, error)
	PinMessage(ctx context.Context, chatID, messageID int64) error
}

// Downloader fetches photo bytes.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// HTTPDownloader downloads photos over HTTP with a size cap.
type HTTPDownloader struct {
	client   *http.Client
	maxBytes int64
}

var _ Downloader = (*HTTPDownloader)(nil)

// NewHTTPDownloader creates a downloader. Zero values select a 60s timeout
// and a 10 MiB cap, Telegram's limit for photos.
func NewHTTPDownloader(client *http.Client, maxBytes int64) *HTTPDownloader {
	if client == nil {
		client = &http.Client{Timeout: defaultDownloadTimeout}
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxPhotoBytes
	}
	return &HTTPDownloader{client: client, maxBytes: maxBytes}
}

func (d *HTTPDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: download %s: %w", ErrDeliver, url, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download %s: %w", ErrDeliver, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download %s: HTTP %d", ErrDeliver, url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: download %s: %w", ErrDeliver, url, err)
	}
	if int64(len(data)) > d.maxBytes {
		return nil, fmt.Errorf("%w: download %s: photo exceeds %d bytes", ErrDeliver, url, d.maxBytes)
	}
	return data, nil
}

// Publish sends one message: the text (split when too long), then the photos
// in albums of up to MaxGroupSize, then pins the first sent message when
// msg.Pin is set. It stops at the first error.
func Publish(ctx context.Context, bot Bot, dl Downloader, msg convert.Message) error {
	var first int64

	for _, chunk := range SplitText(msg.Text, MaxTextRunes) {
		id, err := bot.SendText(ctx, msg.DestinationID, chunk)
		if err != nil {
			return wrapDeliver(err)
		}
		if first == 0 {
			first = id
		}
	}

	for start := 0; start < len(msg.Photos); start += MaxGroupSize {
		end := min(start+MaxGroupSize, len(msg.Photos))

		group := make([]Photo, 0, end-start)
		for _, ref := range msg.Photos[start:end] {
			data, err := dl.Download(ctx, ref.URL)
			if err != nil {
				return wrapDeliver(err)
			}
			group = append(group, Photo{
				Name:    photoName(ref.URL),
				Data:    data,
				Caption: ref.Caption,
			})
		}

		id, err := bot.SendPhotoGroup(ctx, msg.DestinationID, group)
		if err != nil {
			return wrapDeliver(err)
		}
		if first == 0 {
			first = id
		}
	}

	if msg.Pin && first != 0 {
		if err := bot.PinMessage(ctx, msg.DestinationID, first); err != nil {
			return wrapDeliver(err)
		}
	}
	return nil
}

func wrapDeliver(err error) error {
	if errors.Is(err, ErrDeliver) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDeliver, err)
}

func photoName(rawURL string) string {
	name := path.Base(rawURL)
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if name == "" || name == "." || name == "/" {
		return "photo.jpg"
	}
	return name
}

// SplitText cuts MarkdownV2 text into chunks of at most limit runes. Cuts
// prefer the last newline, never separate a backslash from the character it
// escapes and never fall inside a [label](url) link. Blank text yields no
// chunks.
func SplitText(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) == 0 || isBlank(runes) {
		return nil
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		if cut > 1 && trailingBackslashes(runes[:cut])%2 == 1 {
			cut--
		}
		if open := openLink(runes[:cut]); open > 0 {
			cut = open
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if !isBlank(runes) {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// openLink returns the index of an unescaped '[' whose link is not closed
// within runes, or -1.
func openLink(runes []rune) int {
	open := -1
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			i++
		case '[':
			open = i
		case ')':
			open = -1
		}
	}
	return open
}

func trailingBackslashes(runes []rune) int {
	n := 0
	for i := len(runes) - 1; i >= 0 && runes[i] == '\\'; i-- {
		n++
	}
	return n
}

func isBlank(runes []rune) bool {
	for _, r := range runes {
		if r != ' ' && r != '\n' && r != '\t' && r != '\r' {
			return false
		}
	}
	return true
}
