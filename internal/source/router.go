package source

import (
	"context"
	"fmt"
)

// Router sends feed URL handles to the RSS wall and everything else to VK.
type Router struct {
	VK  Wall
	RSS Wall
}

var _ Wall = (*Router)(nil)

func (r *Router) FetchWallPage(ctx context.Context, handle string, offset, count int) ([]Post, error) {
	wall, kind := r.VK, "vk"
	if IsFeedHandle(handle) {
		wall, kind = r.RSS, "rss"
	}
	if wall == nil {
		return nil, fmt.Errorf("%w: no %s reader configured for %q", ErrFetch, kind, handle)
	}
	return wall.FetchWallPage(ctx, handle, offset, count)
}
