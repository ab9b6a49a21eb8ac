package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

const (
	rssFetchTimeout = 30 * time.Second
	rssCacheTTL     = 30 * time.Second
	rssUserAgent    = "Mozilla/5.0 (compatible; glashatay/1.0; +https://github.com/vklachkov/glashatay)"
)

var blankLinesRe = regexp.MustCompile(`\n{3,}`)

// RSSOptions configures an RSS wall.
type RSSOptions struct {
	Timeout    time.Duration
	CacheTTL   time.Duration // how long a fetched feed serves further pages
	HTTPClient *http.Client
}

// RSSWall presents an RSS/Atom feed as a wall: items newest first, never
// pinned. The handle is the feed URL.
type RSSWall struct {
	client  *http.Client
	ttl     time.Duration
	nowFunc func() time.Time

	mu    sync.Mutex
	cache map[string]cachedFeed
}

type cachedFeed struct {
	posts     []Post
	fetchedAt time.Time
}

// NewRSSWall creates an RSS wall reader.
func NewRSSWall(opts RSSOptions) *RSSWall {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = rssFetchTimeout
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: &rssTransport{base: http.DefaultTransport},
		}
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = rssCacheTTL
	}
	return &RSSWall{
		client:  client,
		ttl:     ttl,
		nowFunc: time.Now,
		cache:   make(map[string]cachedFeed),
	}
}

// FetchWallPage returns items [offset, offset+count) of the feed sorted
// newest first. Pages of one cycle are served from a single download.
func (w *RSSWall) FetchWallPage(ctx context.Context, handle string, offset, count int) ([]Post, error) {
	if count <= 0 || offset < 0 {
		return nil, fmt.Errorf("%w: invalid page offset %d count %d", ErrFetch, offset, count)
	}

	posts, err := w.posts(ctx, strings.TrimSpace(handle))
	if err != nil {
		return nil, fmt.Errorf("%w: rss %s: %w", ErrFetch, handle, err)
	}

	if offset >= len(posts) {
		return []Post{}, nil
	}
	end := offset + count
	if end > len(posts) {
		end = len(posts)
	}

	page := make([]Post, end-offset)
	copy(page, posts[offset:end])
	return page, nil
}

func (w *RSSWall) posts(ctx context.Context, feedURL string) ([]Post, error) {
	now := w.nowFunc()

	w.mu.Lock()
	cached, ok := w.cache[feedURL]
	w.mu.Unlock()
	if ok && now.Sub(cached.fetchedAt) < w.ttl {
		return cached.posts, nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	fp := gofeed.NewParser()
	fp.Client = w.client
	feed, err := fp.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, err
	}

	posts := postsFromFeed(feed, feedURL)

	w.mu.Lock()
	w.cache[feedURL] = cachedFeed{posts: posts, fetchedAt: now}
	for key, entry := range w.cache {
		if now.Sub(entry.fetchedAt) >= w.ttl {
			delete(w.cache, key)
		}
	}
	w.mu.Unlock()

	return posts, nil
}

// rssTransport injects a User-Agent header into every request.
type rssTransport struct {
	base http.RoundTripper
}

func (t *rssTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", rssUserAgent)
	return t.base.RoundTrip(req)
}

// postsFromFeed converts dated items and sorts them newest first.
// Undated items cannot be ordered against a checkpoint and are dropped.
func postsFromFeed(feed *gofeed.Feed, feedURL string) []Post {
	base, _ := url.Parse(feedURL)

	posts := make([]Post, 0, len(feed.Items))
	for _, item := range feed.Items {
		publishedAt := itemPublishedTime(item)
		if publishedAt.IsZero() {
			continue
		}

		text, images := itemContent(item, base)
		post := Post{
			ID:          itemID(item),
			PublishedAt: publishedAt.UTC(),
			Text:        text,
		}
		for _, src := range images {
			post.Attachments = append(post.Attachments, Attachment{
				Kind: KindPhoto,
				Photo: &Photo{Sizes: []PhotoSize{{
					URL:   src,
					Class: SizeLarge,
				}}},
			})
		}
		posts = append(posts, post)
	}

	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].PublishedAt.After(posts[j].PublishedAt)
	})
	return posts
}

func itemPublishedTime(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}

func itemID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

// itemContent returns the item text prefixed with its title, followed by
// image URLs from the body and from image enclosures.
func itemContent(item *gofeed.Item, base *url.URL) (string, []string) {
	raw := item.Content
	if raw == "" {
		raw = item.Description
	}

	text, images := parseHTML(raw, base)
	if item.Title != "" && !strings.Contains(text, item.Title) {
		text = strings.TrimSpace(item.Title + "\n\n" + text)
	}

	seen := make(map[string]bool, len(images))
	for _, src := range images {
		seen[src] = true
	}
	for _, enc := range item.Enclosures {
		if enc == nil || !strings.HasPrefix(enc.Type, "image/") || enc.URL == "" {
			continue
		}
		src := resolveURL(base, enc.URL)
		if seen[src] {
			continue
		}
		seen[src] = true
		images = append(images, src)
	}

	return text, images
}

func parseHTML(raw string, base *url.URL) (string, []string) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return strings.TrimSpace(raw), nil
	}

	var images []string
	seen := make(map[string]bool)
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		src = resolveURL(base, src)
		if !seen[src] {
			seen[src] = true
			images = append(images, src)
		}
	})

	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, h1, h2, h3, h4, blockquote").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n\n")
	})

	return normalizeText(doc.Text()), images
}

func normalizeText(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	s = strings.Join(lines, "\n")
	s = blankLinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func resolveURL(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// IsFeedHandle reports whether a handle names a feed URL rather than a VK wall.
func IsFeedHandle(handle string) bool {
	u, err := url.Parse(strings.TrimSpace(handle))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
