// Package executor runs bindings: it reads the checkpoint, fetches new
// posts, prepares and publishes them in order and advances the checkpoint
// after each post that was fully handled.
package executor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"reposter/internal/boosty"
	"reposter/internal/database"
	dbmodels "reposter/internal/database/models"
	"reposter/internal/metrics"
	"reposter/internal/models"
	"reposter/internal/processing"
	"reposter/internal/retry"
	"reposter/internal/telegram"
)

// Fetcher returns posts newer than lastID.
type Fetcher interface {
	FetchNew(ctx context.Context, domain string, pageSize int, source models.ContentSource, lastID int64) ([]models.Post, error)
}

// Processor turns a wall post into its publishable form.
type Processor interface {
	Process(ctx context.Context, post models.Post) (*models.PreparedPost, error)
}

// ChatPublisher delivers a post to chat channels.
type ChatPublisher interface {
	Publish(ctx context.Context, channels []string, post *models.PreparedPost) (*telegram.Report, error)
}

// BlogPublisher delivers the videos of a post to a blog.
type BlogPublisher interface {
	Publish(ctx context.Context, target models.BlogTarget, post *models.PreparedPost) ([]boosty.Result, error)
}

// Deps are the collaborators of an Executor. PostLog, Metrics and
// RemoveFiles are optional.
type Deps struct {
	Fetcher     Fetcher
	Processor   Processor
	Chat        ChatPublisher
	Blog        BlogPublisher
	Checkpoints database.CheckpointStore
	PostLog     database.PostLogger
	Metrics     *metrics.Metrics
	RemoveFiles func(paths []string)
}

// Executor processes bindings one at a time and posts of a binding
// strictly in order.
type Executor struct {
	deps Deps
}

func New(deps Deps) *Executor {
	if deps.PostLog == nil {
		deps.PostLog = database.NopPostLogger{}
	}
	if deps.RemoveFiles == nil {
		deps.RemoveFiles = processing.DeleteFiles
	}
	return &Executor{deps: deps}
}

// RunAll runs every binding once. A failing binding is logged and does not
// stop the others; only cancellation ends the pass early.
func (e *Executor) RunAll(ctx context.Context, bindings []models.Binding) error {
	runID := uuid.NewString()
	log.Printf("[Executor Run:%s] Processing %d binding(s)", runID, len(bindings))
	failed := 0
	for _, b := range bindings {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := e.RunBinding(ctx, b, runID)
		if err == nil {
			continue
		}
		if retry.IsCancellation(err) {
			return err
		}
		failed++
	}
	log.Printf("[Executor Run:%s] Done, %d of %d binding(s) stopped early", runID, failed, len(bindings))
	return nil
}

func bindingPrefix(b models.Binding) string {
	return fmt.Sprintf("[Executor Binding:%s Domain:%s Source:%s]", b.Name, b.Source.Domain, b.Source.Source)
}

// RunBinding delivers the new posts of one binding. It returns the first
// error that stopped the binding; the checkpoint then stays on the last
// post that was fully handled.
func (e *Executor) RunBinding(ctx context.Context, b models.Binding, runID string) error {
	logPrefix := bindingPrefix(b)
	start := time.Now()
	defer func() { e.deps.Metrics.ObserveRun(b.Name, time.Since(start)) }()

	domain, source := b.Source.Domain, string(b.Source.Source)
	lastID, err := e.deps.Checkpoints.Get(ctx, b.Name, domain, source)
	if err != nil {
		log.Printf("%s Failed to read checkpoint: %v", logPrefix, err)
		e.report(err, b, 0)
		return fmt.Errorf("read checkpoint: %w", err)
	}

	posts, err := e.deps.Fetcher.FetchNew(ctx, domain, b.Source.PageSize, b.Source.Source, lastID)
	if err != nil {
		if retry.IsCancellation(err) {
			return err
		}
		log.Printf("%s Failed to fetch posts: %v", logPrefix, err)
		e.report(err, b, 0)
		return fmt.Errorf("fetch posts: %w", err)
	}
	if len(posts) == 0 {
		log.Printf("%s No new posts after %d", logPrefix, lastID)
		return nil
	}
	slices.SortStableFunc(posts, func(x, y models.Post) int { return cmp.Compare(x.Date, y.Date) })
	log.Printf("%s %d new post(s) after %d", logPrefix, len(posts), lastID)

	for _, post := range posts {
		if err := ctx.Err(); err != nil {
			log.Printf("%s Cancelled, checkpoint stays at %d", logPrefix, lastID)
			return err
		}
		// Postponed posts keep the id they were scheduled with, so a later
		// date can carry a lower id. The checkpoint never moves back.
		mark := max(lastID, post.ID)
		if err := e.handlePost(ctx, b, post, mark, runID); err != nil {
			if retry.IsCancellation(err) {
				log.Printf("%s Cancelled during post %d, checkpoint stays at %d", logPrefix, post.ID, lastID)
				return err
			}
			log.Printf("%s Post %d failed, stopping binding for this run: %v", logPrefix, post.ID, err)
			e.deps.Metrics.PostFailed(b.Name)
			e.report(err, b, post.ID)
			return err
		}
		lastID = mark
	}
	return nil
}

// handlePost prepares and publishes a single post, then moves the
// checkpoint to mark.
func (e *Executor) handlePost(ctx context.Context, b models.Binding, post models.Post, mark int64, runID string) error {
	logPrefix := fmt.Sprintf("%s Post:%d", bindingPrefix(b), post.ID)

	prepared, err := e.deps.Processor.Process(ctx, post)
	if err != nil {
		return err
	}
	if prepared.Empty() {
		log.Printf("%s Nothing to publish, skipping", logPrefix)
		e.deps.Metrics.PostSkipped(b.Name)
		return e.advance(ctx, b, mark)
	}

	entry, err := e.publish(ctx, b, post, prepared)
	if err != nil {
		return err
	}
	if err := e.advance(ctx, b, mark); err != nil {
		return err
	}
	e.deps.Metrics.PostDelivered(b.Name)

	entry.RunID = runID
	if err := e.deps.PostLog.LogPublishedPost(context.WithoutCancel(ctx), entry); err != nil {
		log.Printf("%s Failed to write post log: %v", logPrefix, err)
	}
	return nil
}

// publish sends the post to the blog first and then to the chat channels.
// The post fails when no video reached the blog; a video that failed next
// to ones that were published, or a single channel failing, does not.
// Downloaded files are removed whatever the outcome.
func (e *Executor) publish(ctx context.Context, b models.Binding, post models.Post, prepared *models.PreparedPost) (dbmodels.PostLog, error) {
	defer e.deps.RemoveFiles(prepared.Files())
	logPrefix := fmt.Sprintf("%s Post:%d", bindingPrefix(b), post.ID)

	entry := dbmodels.PostLog{
		Binding:     b.Name,
		Domain:      b.Source.Domain,
		Source:      string(b.Source.Source),
		PostID:      post.ID,
		PostDate:    time.Unix(post.Date, 0).UTC(),
		Attachments: len(prepared.Attachments),
	}

	if b.Blog != nil && e.deps.Blog != nil {
		results, err := e.deps.Blog.Publish(ctx, *b.Blog, prepared)
		for _, r := range results {
			entry.BlogPostURLs = append(entry.BlogPostURLs, r.URL)
		}
		switch {
		case err == nil:
		case len(results) == 0 || retry.IsCancellation(err):
			return entry, fmt.Errorf("blog %s: %w", b.Blog.BlogName, err)
		default:
			// Retrying would publish the videos that made it a second time.
			target := "boosty:" + b.Blog.BlogName
			log.Printf("%s Blog %s got %d video(s), the rest failed: %v", logPrefix, b.Blog.BlogName, len(results), err)
			entry.FailedTo = append(entry.FailedTo, target)
			e.deps.Metrics.ChannelFailed(b.Name, target)
		}
	}

	if len(b.ChannelIDs) > 0 && e.deps.Chat != nil {
		report, err := e.deps.Chat.Publish(ctx, b.ChannelIDs, prepared)
		if report != nil {
			e.deps.Metrics.AttachmentsDropped(b.Name, report.Dropped)
			entry.Channels = report.Delivered
			for _, channel := range b.ChannelIDs {
				if chErr, ok := report.Failed[channel]; ok {
					log.Printf("%s Channel %s not delivered: %v", logPrefix, channel, chErr)
					entry.FailedTo = append(entry.FailedTo, channel)
					e.deps.Metrics.ChannelFailed(b.Name, channel)
				}
			}
		}
		if err != nil {
			return entry, fmt.Errorf("telegram: %w", err)
		}
	}
	return entry, nil
}

// advance moves the checkpoint. The post is already delivered at this
// point, so the write is not abandoned on cancellation.
func (e *Executor) advance(ctx context.Context, b models.Binding, id int64) error {
	err := e.deps.Checkpoints.Set(context.WithoutCancel(ctx), b.Name, b.Source.Domain, string(b.Source.Source), id)
	if err != nil {
		return fmt.Errorf("advance checkpoint to %d: %w", id, err)
	}
	return nil
}

// report sends unexpected failures to Sentry tagged with the binding.
func (e *Executor) report(err error, b models.Binding, postID int64) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("binding", b.Name)
		scope.SetTag("domain", b.Source.Domain)
		scope.SetTag("source", string(b.Source.Source))
		if postID != 0 {
			scope.SetTag("post_id", strconv.FormatInt(postID, 10))
		}
		sentry.CaptureException(err)
	})
}
