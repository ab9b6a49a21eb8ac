// Package poller runs the per-pair forwarding loop: it pages through the
// source wall, picks the posts newer than the checkpoint, delivers them
// oldest first and persists the checkpoint after every confirmed delivery.
package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vklachkov/glashatay/internal/convert"
	"github.com/vklachkov/glashatay/internal/deliver"
	"github.com/vklachkov/glashatay/internal/pair"
	"github.com/vklachkov/glashatay/internal/source"
)

const (
	DefaultPageSize     = 5
	DefaultWaitStep     = time.Second
	DefaultCycleTimeout = 5 * time.Minute
)

// Fetcher reads one page of a wall, newest first.
type Fetcher interface {
	FetchWallPage(ctx context.Context, handle string, offset, count int) ([]source.Post, error)
}

// Converter turns a post into a destination message.
type Converter interface {
	Convert(post source.Post, destinationID int64) (convert.Message, error)
}

// Options tunes the loop. Zero values select the defaults.
type Options struct {
	PageSize     int
	WaitStep     time.Duration
	CycleTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.WaitStep <= 0 {
		o.WaitStep = DefaultWaitStep
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = DefaultCycleTimeout
	}
	return o
}

// Deps are the collaborators shared by all pollers. All of them must be safe
// for concurrent use.
type Deps struct {
	Store      pair.Store
	Fetcher    Fetcher
	Converter  Converter
	Bot        deliver.Bot
	Downloader deliver.Downloader
	Logger     *zap.Logger
}

// Poller owns one pair. Its config is only touched by the goroutine that
// calls Run.
type Poller struct {
	id      pair.ID
	cfg     pair.Config
	deps    Deps
	opts    Options
	logger  *zap.Logger
	nowFunc func() time.Time
}

// New creates a poller for a persisted pair.
func New(id pair.ID, cfg pair.Config, deps Deps, opts Options) *Poller {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		id:   id,
		cfg:  cfg.Clone(),
		deps: deps,
		opts: opts.withDefaults(),
		logger: logger.With(
			zap.Int64("pair_id", int64(id)),
			zap.String("source", cfg.SourceHandle),
			zap.Int64("chat_id", cfg.DestinationID),
		),
		nowFunc: time.Now,
	}
}

// Run loops until ctx is cancelled. A cycle that has already started is
// allowed to finish.
func (p *Poller) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.logger.Info("poller started",
		zap.Duration("interval", p.cfg.PollInterval),
		zap.Bool("bootstrapped", p.cfg.Bootstrapped()),
	)
	defer p.logger.Info("poller stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		if !p.waitDue(ctx) {
			return
		}
		p.runCycle(ctx)
	}
}

func (p *Poller) due(now time.Time) bool {
	return p.cfg.LastPollAt == nil || now.Sub(*p.cfg.LastPollAt) >= p.cfg.PollInterval
}

// waitDue sleeps in WaitStep increments until the pair is due. It returns
// false when ctx is cancelled first.
func (p *Poller) waitDue(ctx context.Context) bool {
	for {
		if p.due(p.nowFunc()) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.opts.WaitStep):
		}
	}
}

// runCycle executes one bootstrap or steady-state cycle and then records the
// poll time. The cycle context survives cancellation of ctx so that an
// in-flight delivery is never cut in half.
func (p *Poller) runCycle(ctx context.Context) {
	cycleID := uuid.NewString()
	logger := p.logger.With(zap.String("cycle_id", cycleID))

	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.CycleTimeout)
	defer cancel()

	if err := p.safeCycle(cycleCtx, logger, cycleID); err != nil {
		logger.Warn("cycle failed", zap.Error(err))
	}

	polledAt := p.nowFunc()
	p.cfg.LastPollAt = &polledAt
	if err := p.persist(cycleCtx); err != nil {
		logger.Error("persist poll time", zap.Error(err))
	}
}

func (p *Poller) safeCycle(ctx context.Context, logger *zap.Logger, cycleID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("cycle panic",
				zap.String("correlation_id", cycleID),
				zap.String("panic", fmt.Sprintf("%v", r)),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("cycle panic (correlation_id: %s)", cycleID)
		}
	}()

	if !p.cfg.Bootstrapped() {
		return p.bootstrap(ctx, logger)
	}
	return p.forward(ctx, logger)
}

// bootstrap sets the checkpoint to the newest non-pinned post without
// delivering it. An empty wall leaves the pair unbootstrapped.
func (p *Poller) bootstrap(ctx context.Context, logger *zap.Logger) error {
	for offset := 0; ; offset += p.opts.PageSize {
		posts, err := p.deps.Fetcher.FetchWallPage(ctx, p.cfg.SourceHandle, offset, p.opts.PageSize)
		if err != nil {
			return err
		}
		if len(posts) == 0 {
			logger.Info("wall is empty, bootstrap postponed")
			return nil
		}

		for _, post := range posts {
			if post.Pinned {
				continue
			}
			checkpoint := post.PublishedAt
			p.cfg.LastDeliveredAt = &checkpoint
			logger.Info("checkpoint established",
				zap.String("post_id", post.ID),
				zap.Time("checkpoint", checkpoint),
			)
			return p.persist(ctx)
		}
	}
}

// forward delivers every post newer than the checkpoint, oldest first, and
// stops at the first failure. Undelivered posts are found again next cycle.
func (p *Poller) forward(ctx context.Context, logger *zap.Logger) error {
	checkpoint := *p.cfg.LastDeliveredAt

	candidates, err := p.collect(ctx, checkpoint)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		logger.Debug("no new posts")
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].PublishedAt.Before(candidates[j].PublishedAt)
	})
	logger.Info("new posts found", zap.Int("count", len(candidates)))

	for _, post := range candidates {
		postLogger := logger.With(zap.String("post_id", post.ID), zap.Time("published_at", post.PublishedAt))

		msg, err := p.deps.Converter.Convert(post, p.cfg.DestinationID)
		if err != nil {
			return err
		}
		if len(msg.Unsupported) > 0 {
			postLogger.Warn("unsupported attachments skipped", zap.Strings("kinds", msg.Unsupported))
		}

		if msg.Empty() {
			postLogger.Info("nothing to send, post skipped")
		} else if err := deliver.Publish(ctx, p.deps.Bot, p.deps.Downloader, msg); err != nil {
			return err
		}

		delivered := post.PublishedAt
		p.cfg.LastDeliveredAt = &delivered
		postLogger.Info("post delivered")

		if err := p.persist(ctx); err != nil {
			// keep the in-memory checkpoint, the end-of-cycle write retries it
			return err
		}
	}
	return nil
}

// collect scans pages newest first. Pinned posts at or before the checkpoint
// are skipped, the first other post at or before it ends the scan. Posts
// shifted into the next page by a concurrent publication are returned once.
func (p *Poller) collect(ctx context.Context, checkpoint time.Time) ([]source.Post, error) {
	var candidates []source.Post
	seen := make(map[string]bool)

	for offset := 0; ; offset += p.opts.PageSize {
		posts, err := p.deps.Fetcher.FetchWallPage(ctx, p.cfg.SourceHandle, offset, p.opts.PageSize)
		if err != nil {
			return nil, err
		}
		if len(posts) == 0 {
			return candidates, nil
		}

		for _, post := range posts {
			if !post.PublishedAt.After(checkpoint) {
				if post.Pinned {
					continue
				}
				return candidates, nil
			}
			if post.ID != "" {
				if seen[post.ID] {
					continue
				}
				seen[post.ID] = true
			}
			candidates = append(candidates, post)
		}
	}
}

func (p *Poller) persist(ctx context.Context) error {
	err := p.deps.Store.UpdatePair(ctx, p.id, p.cfg.Clone())
	if err == nil {
		return nil
	}
	if !errors.Is(err, pair.ErrPersistence) && !errors.Is(err, pair.ErrNotFound) {
		err = fmt.Errorf("%w: %w", pair.ErrPersistence, err)
	}
	return err
}
