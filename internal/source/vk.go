package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	vkDefaultServer     = "https://api.vk.com"
	vkDefaultAPIVersion = "5.137"
	vkDefaultLanguage   = "ru"
	vkDefaultTimeout    = 30 * time.Second
	vkDefaultRPS        = 3
	vkMaxPageSize       = 100
	vkMaxBodyBytes      = 8 << 20
	vkMethodWallGet     = "wall.get"
)

var ownerIDRe = regexp.MustCompile(`^-?\d+$`)

// VKOptions configures a VK API client.
type VKOptions struct {
	Server            string // API origin, default https://api.vk.com
	APIVersion        string
	Language          string
	ServiceKey        string
	RequestsPerSecond float64
	Timeout           time.Duration

	// SaveResponses dumps every raw response body into ResponsesDir.
	SaveResponses bool
	ResponsesDir  string

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// VK reads community and profile walls through the VK API.
type VK struct {
	server   string
	version  string
	language string
	key      string
	client   *http.Client
	limiter  *rate.Limiter
	dumpDir  string
	logger   *zap.Logger
	nowFunc  func() time.Time
}

// NewVK creates a VK client. A service key is required.
func NewVK(opts VKOptions) (*VK, error) {
	if strings.TrimSpace(opts.ServiceKey) == "" {
		return nil, errors.New("vk: service key is required")
	}

	server := strings.TrimRight(opts.Server, "/")
	if server == "" {
		server = vkDefaultServer
	}
	if _, err := url.Parse(server); err != nil {
		return nil, fmt.Errorf("vk: parse server url: %w", err)
	}

	version := opts.APIVersion
	if version == "" {
		version = vkDefaultAPIVersion
	}
	language := opts.Language
	if language == "" {
		language = vkDefaultLanguage
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = vkDefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	rps := opts.RequestsPerSecond
	if rps == 0 {
		rps = vkDefaultRPS
	}
	limit := rate.Limit(rps)
	if rps < 0 {
		limit = rate.Inf
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	vk := &VK{
		server:   server,
		version:  version,
		language: language,
		key:      opts.ServiceKey,
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.Named("vk"),
		nowFunc:  time.Now,
	}
	if opts.SaveResponses {
		vk.dumpDir = opts.ResponsesDir
		if vk.dumpDir == "" {
			vk.dumpDir = "."
		}
	}
	return vk, nil
}

// FetchWallPage calls wall.get. Numeric handles such as "-1" address the
// wall by owner id, anything else by short name.
func (v *VK) FetchWallPage(ctx context.Context, handle string, offset, count int) ([]Post, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, fmt.Errorf("%w: empty wall handle", ErrFetch)
	}
	if count <= 0 || count > vkMaxPageSize {
		return nil, fmt.Errorf("%w: page size %d out of range 1..%d", ErrFetch, count, vkMaxPageSize)
	}

	params := url.Values{}
	if ownerIDRe.MatchString(handle) {
		params.Set("owner_id", handle)
	} else {
		params.Set("domain", handle)
	}
	params.Set("offset", strconv.Itoa(offset))
	params.Set("count", strconv.Itoa(count))

	var wall vkWall
	if err := v.call(ctx, vkMethodWallGet, params, &wall); err != nil {
		return nil, fmt.Errorf("%w: %s %s offset %d: %w", ErrFetch, vkMethodWallGet, handle, offset, err)
	}

	posts := make([]Post, 0, len(wall.Items))
	for _, item := range wall.Items {
		posts = append(posts, item.toPost())
	}
	return posts, nil
}

func (v *VK) call(ctx context.Context, method string, params url.Values, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := v.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	params.Set("v", v.version)
	params.Set("lang", v.language)
	endpoint := v.server + "/method/" + method + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+v.key)

	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, vkMaxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	v.dumpResponse(method, body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var envelope vkEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if len(envelope.Response) == 0 {
		return errors.New("response field is missing")
	}
	if err := json.Unmarshal(envelope.Response, out); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	return nil
}

func (v *VK) dumpResponse(method string, body []byte) {
	if v.dumpDir == "" {
		return
	}

	name := fmt.Sprintf("vk-response-%s-%d.json", method, v.nowFunc().UnixMilli())
	path := filepath.Join(v.dumpDir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		v.logger.Error("save vk response", zap.String("path", path), zap.Error(err))
		return
	}
	v.logger.Debug("saved vk response", zap.String("path", path))
}

type vkEnvelope struct {
	Response json.RawMessage `json:"response"`
	Error    *vkError        `json:"error"`
}

type vkError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

func (e *vkError) Error() string {
	return fmt.Sprintf("vk api error %d: %s", e.Code, e.Message)
}

type vkWall struct {
	Count int      `json:"count"`
	Items []vkPost `json:"items"`
}

type vkPost struct {
	ID          int64          `json:"id"`
	OwnerID     int64          `json:"owner_id"`
	FromID      int64          `json:"from_id"`
	Date        int64          `json:"date"`
	Text        string         `json:"text"`
	IsPinned    int            `json:"is_pinned"`
	Attachments []vkAttachment `json:"attachments"`
}

type vkAttachment struct {
	Type  string   `json:"type"`
	Photo *vkPhoto `json:"photo"`
}

type vkPhoto struct {
	ID    int64         `json:"id"`
	Text  string        `json:"text"`
	Sizes []vkPhotoSize `json:"sizes"`
}

type vkPhotoSize struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (p vkPost) toPost() Post {
	post := Post{
		ID:          fmt.Sprintf("%d_%d", p.OwnerID, p.ID),
		AuthorID:    p.FromID,
		PublishedAt: time.Unix(p.Date, 0).UTC(),
		Text:        p.Text,
		Pinned:      p.IsPinned == 1,
	}

	for _, a := range p.Attachments {
		if a.Type != KindPhoto || a.Photo == nil {
			post.Attachments = append(post.Attachments, Attachment{Kind: a.Type})
			continue
		}
		photo := &Photo{Description: a.Photo.Text}
		for _, s := range a.Photo.Sizes {
			photo.Sizes = append(photo.Sizes, PhotoSize{
				URL:    s.URL,
				Width:  s.Width,
				Height: s.Height,
				Class:  SizeClass(s.Type),
			})
		}
		post.Attachments = append(post.Attachments, Attachment{Kind: KindPhoto, Photo: photo})
	}

	return post
}
