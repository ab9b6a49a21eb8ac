// Package source reads posts from walls: VK communities and profiles, and
// RSS/Atom feeds presented as walls.
package source

import (
	"context"
	"errors"
	"time"
)

// ErrFetch marks every failure to read a wall page: transport errors, non-OK
// statuses, API error objects and response bodies of an unexpected shape.
// Callers treat it as transient.
var ErrFetch = errors.New("fetch wall page")

// SizeClass is VK's letter code for one stored copy of a photo.
type SizeClass string

// Photo size classes, see https://dev.vk.com/ru/reference/objects/photo-sizes.
const (
	SizeS SizeClass = "s"
	SizeM SizeClass = "m"
	SizeX SizeClass = "x"
	SizeO SizeClass = "o"
	SizeP SizeClass = "p"
	SizeQ SizeClass = "q"
	SizeR SizeClass = "r"
	SizeY SizeClass = "y"
	SizeZ SizeClass = "z"
	SizeW SizeClass = "w"

	// SizeLarge is the copy forwarded to the destination (up to 2560x2048).
	SizeLarge = SizeW
)

// KindPhoto is the attachment kind of photos. Every other kind is unsupported.
const KindPhoto = "photo"

// Post is a single wall entry.
type Post struct {
	ID          string // "<owner>_<post>" for VK, GUID or link for feeds
	AuthorID    int64
	PublishedAt time.Time
	Text        string
	Attachments []Attachment
	Pinned      bool
}

// Attachment is a tagged variant: Photo is set iff Kind is KindPhoto.
// Any other Kind is an unsupported attachment carried only for reporting.
type Attachment struct {
	Kind  string
	Photo *Photo
}

// Supported reports whether the attachment can be forwarded.
func (a Attachment) Supported() bool {
	return a.Kind == KindPhoto && a.Photo != nil
}

// Photo is one picture with all of its stored copies.
type Photo struct {
	Description string
	Sizes       []PhotoSize
}

// Size returns the copy of the given class.
func (p Photo) Size(class SizeClass) (PhotoSize, bool) {
	for _, s := range p.Sizes {
		if s.Class == class {
			return s, true
		}
	}
	return PhotoSize{}, false
}

// PhotoSize is one stored copy of a photo.
type PhotoSize struct {
	URL    string
	Width  int
	Height int
	Class  SizeClass
}

// Wall returns a page of posts, newest first. Pinned posts may appear out of
// chronological order. An empty page means the end of the wall.
type Wall interface {
	FetchWallPage(ctx context.Context, handle string, offset, count int) ([]Post, error)
}
