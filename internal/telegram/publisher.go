// Package telegram delivers prepared posts to Telegram channels.
//
// Media is first sent once to a staging chat to obtain reusable file ids,
// then forwarded to every target channel grouped the way the platform
// allows, and finally removed from the staging chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/ratelimit"

	"reposter/internal/models"
	"reposter/internal/retry"
	"reposter/pkg/telegoapi"
)

const (
	DefaultCaptionLimit   = 1024
	DefaultMessageLimit   = 4096
	defaultAttempts       = 3
	defaultRetryDelay     = 3 * time.Second
	defaultCleanupTimeout = 30 * time.Second
	defaultRatePerSecond  = 20
	maxDeleteBatch        = 100
)

// Options configures a Publisher.
type Options struct {
	// StagingChatID is a private chat the bot can post to, "@name" or a
	// numeric id.
	StagingChatID string
	CaptionLimit  int
	MessageLimit  int
	// StageAttempts bounds uploads of one attachment; SendAttempts bounds
	// each forward to a channel.
	StageAttempts int
	SendAttempts  int
	RetryDelay    time.Duration
	// CleanupTimeout bounds staging cleanup, which runs even after the
	// publish context is cancelled.
	CleanupTimeout time.Duration
	RatePerSecond  int
	Sleep          func(ctx context.Context, d time.Duration) error
	Debug          bool
}

func (o Options) withDefaults() Options {
	if o.CaptionLimit <= 0 {
		o.CaptionLimit = DefaultCaptionLimit
	}
	if o.MessageLimit <= 0 {
		o.MessageLimit = DefaultMessageLimit
	}
	if o.StageAttempts <= 0 {
		o.StageAttempts = defaultAttempts
	}
	if o.SendAttempts <= 0 {
		o.SendAttempts = defaultAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = defaultCleanupTimeout
	}
	if o.RatePerSecond == 0 {
		o.RatePerSecond = defaultRatePerSecond
	}
	if o.Sleep == nil {
		o.Sleep = retry.SleepContext
	}
	return o
}

// Report summarizes one post's delivery.
type Report struct {
	Delivered []string
	Failed    map[string]error
	// Dropped counts attachments that could not be staged.
	Dropped int
}

// Publisher implements the stage, group, forward and cleanup protocol.
type Publisher struct {
	bot telegoapi.BotAPI

	mu      sync.RWMutex
	opts    Options
	limiter ratelimit.Limiter
}

func NewPublisher(bot telegoapi.BotAPI, opts Options) *Publisher {
	p := &Publisher{bot: bot}
	p.UpdateConfig(opts)
	return p
}

// UpdateConfig replaces the options for subsequent posts.
func (p *Publisher) UpdateConfig(opts Options) {
	opts = opts.withDefaults()
	var limiter ratelimit.Limiter
	if opts.RatePerSecond > 0 {
		limiter = ratelimit.New(opts.RatePerSecond)
	} else {
		limiter = ratelimit.NewUnlimited()
	}
	p.mu.Lock()
	p.opts = opts
	p.limiter = limiter
	p.mu.Unlock()
}

func (p *Publisher) snapshot() (Options, ratelimit.Limiter) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.opts, p.limiter
}

// Publish delivers post to every channel. Failures on one channel are
// recorded in the report and never stop the others. Attachments that could
// not be staged are dropped and counted in the report; the rest of the post
// is still delivered. The returned error is reserved for post-level
// problems: cancellation or a bad staging chat.
func (p *Publisher) Publish(ctx context.Context, channels []string, post *models.PreparedPost) (*Report, error) {
	opts, limiter := p.snapshot()
	report := &Report{Failed: map[string]error{}}

	staging, err := parseChatID(opts.StagingChatID)
	if err != nil {
		return report, fmt.Errorf("staging chat: %w", err)
	}

	st, err := p.stage(ctx, opts, limiter, staging, post)
	defer p.cleanup(ctx, opts, limiter, staging, st.messageIDs)
	report.Dropped = st.dropped
	if err != nil {
		return report, err
	}
	if len(st.items) == 0 && post.Text == "" {
		if len(post.Attachments) > 0 {
			log.Printf("[Telegram Post:%d] None of %d attachment(s) could be staged, nothing left to send", post.SourceID, len(post.Attachments))
		}
		return report, nil
	}
	if len(st.items) == 0 && len(post.Attachments) > 0 {
		log.Printf("[Telegram Post:%d] None of %d attachment(s) could be staged, sending text only", post.SourceID, len(post.Attachments))
	}

	followUp := ""
	if post.Text != "" {
		if len(st.items) == 0 || visibleLength(post.Text) > opts.CaptionLimit {
			followUp = post.Text
		} else {
			assignCaption(st.items, post.Text)
		}
	}
	groups := groupItems(st.items)

	for _, channel := range channels {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		logPrefix := fmt.Sprintf("[Telegram Channel:%s Post:%d]", channel, post.SourceID)
		err := p.deliver(ctx, opts, limiter, channel, groups, followUp)
		switch {
		case err == nil:
			report.Delivered = append(report.Delivered, channel)
			if opts.Debug {
				log.Printf("%s Delivered %d group(s)", logPrefix, len(groups))
			}
		case retry.IsCancellation(err):
			return report, err
		case errors.Is(err, ErrChannelUnavailable):
			log.Printf("%s Channel unavailable, skipping: %v", logPrefix, err)
			report.Failed[channel] = &PublishError{ChannelID: channel, PostID: post.SourceID, Err: err}
		default:
			log.Printf("%s Delivery failed: %v", logPrefix, err)
			report.Failed[channel] = &PublishError{ChannelID: channel, PostID: post.SourceID, Err: err}
		}
	}
	return report, nil
}

type staged struct {
	items      []stagedItem
	messageIDs []int
	dropped    int
}

// stage uploads attachments one at a time in order. An attachment that
// still fails after its attempts is dropped; the rest continue.
func (p *Publisher) stage(ctx context.Context, opts Options, limiter ratelimit.Limiter, chat telego.ChatID, post *models.PreparedPost) (staged, error) {
	var st staged
	policy := retry.Policy{
		MaxAttempts: opts.StageAttempts,
		NewBackOff:  retry.Constant(opts.RetryDelay),
		Retryable:   func(err error) bool { return !errors.Is(err, fs.ErrNotExist) },
		Sleep:       opts.Sleep,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			log.Printf("[Telegram Staging Post:%d] Upload attempt %d failed: %v. Retrying in %s", post.SourceID, attempt, err, wait)
		},
	}

	for i, att := range post.Attachments {
		var msg *telego.Message
		err := policy.Do(ctx, func(ctx context.Context) error {
			limiter.Take()
			m, err := p.upload(ctx, chat, att)
			if err != nil {
				return classify(err)
			}
			msg = m
			return nil
		})
		if err != nil {
			if retry.IsCancellation(err) {
				return st, err
			}
			log.Printf("[Telegram Staging Post:%d] Dropping attachment %d (%s): %v", post.SourceID, i+1, att.Kind, err)
			st.dropped++
			continue
		}
		if msg == nil {
			log.Printf("[Telegram Staging Post:%d] Empty reply for attachment %d (%s), dropping", post.SourceID, i+1, att.Kind)
			st.dropped++
			continue
		}
		st.messageIDs = append(st.messageIDs, msg.MessageID)
		fileID := fileIDOf(att.Kind, msg)
		if fileID == "" {
			log.Printf("[Telegram Staging Post:%d] No file id for attachment %d (%s), dropping", post.SourceID, i+1, att.Kind)
			st.dropped++
			continue
		}
		st.items = append(st.items, stagedItem{att: att, messageID: msg.MessageID, fileID: fileID})
	}
	if opts.Debug {
		log.Printf("[Telegram Staging Post:%d] Staged %d of %d attachment(s)", post.SourceID, len(st.items), len(post.Attachments))
	}
	return st, nil
}

func (p *Publisher) upload(ctx context.Context, chat telego.ChatID, att models.PreparedAttachment) (*telego.Message, error) {
	f, err := os.Open(att.FilePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	file := tu.File(tu.NameReader(f, att.Filename))

	switch att.Kind {
	case models.KindPhoto:
		return p.bot.SendPhoto(ctx, &telego.SendPhotoParams{ChatID: chat, Photo: file, DisableNotification: true})
	case models.KindVideo:
		params := &telego.SendVideoParams{
			ChatID:              chat,
			Video:               file,
			Width:               att.Width,
			Height:              att.Height,
			SupportsStreaming:   true,
			DisableNotification: true,
		}
		if att.ThumbnailPath != "" {
			thumb, err := os.Open(att.ThumbnailPath)
			if err != nil {
				log.Printf("[Telegram Staging] Cover %s unavailable: %v", att.ThumbnailPath, err)
			} else {
				defer thumb.Close()
				in := tu.File(tu.NameReader(thumb, filepath.Base(att.ThumbnailPath)))
				params.Thumbnail = &in
			}
		}
		return p.bot.SendVideo(ctx, params)
	case models.KindAudio:
		return p.bot.SendAudio(ctx, &telego.SendAudioParams{
			ChatID:              chat,
			Audio:               file,
			Performer:           att.Artist,
			Title:               att.Title,
			DisableNotification: true,
		})
	case models.KindDocument:
		return p.bot.SendDocument(ctx, &telego.SendDocumentParams{ChatID: chat, Document: file, DisableNotification: true})
	}
	return nil, fmt.Errorf("unsupported attachment kind %q", att.Kind)
}

// deliver sends all groups and the follow-up text to one channel. The first
// failure aborts this channel only.
func (p *Publisher) deliver(ctx context.Context, opts Options, limiter ratelimit.Limiter, channel string, groups [][]stagedItem, followUp string) error {
	chat, err := parseChatID(channel)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}
	policy := retry.Policy{
		MaxAttempts: opts.SendAttempts,
		NewBackOff:  retry.Constant(opts.RetryDelay),
		Retryable:   retryable,
		Sleep:       opts.Sleep,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			log.Printf("[Telegram Channel:%s] Send attempt %d failed: %v. Retrying in %s", channel, attempt, err, wait)
		},
	}
	send := func(op func(ctx context.Context) error) error {
		return policy.Do(ctx, func(ctx context.Context) error {
			limiter.Take()
			return classify(op(ctx))
		})
	}

	for _, g := range groups {
		var err error
		if len(g) == 1 {
			err = send(func(ctx context.Context) error { return p.sendSingle(ctx, chat, g[0]) })
		} else {
			err = send(func(ctx context.Context) error {
				_, err := p.bot.SendMediaGroup(ctx, &telego.SendMediaGroupParams{ChatID: chat, Media: inputMedia(g)})
				return err
			})
		}
		if err != nil {
			return err
		}
	}

	if followUp == "" {
		return nil
	}
	for _, chunk := range splitText(followUp, opts.MessageLimit) {
		err := send(func(ctx context.Context) error {
			_, err := p.bot.SendMessage(ctx, &telego.SendMessageParams{
				ChatID:    chat,
				Text:      renderHTML(chunk),
				ParseMode: telego.ModeHTML,
			})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// sendSingle sends one staged item as a standalone message of its type.
func (p *Publisher) sendSingle(ctx context.Context, chat telego.ChatID, it stagedItem) error {
	file := telego.InputFile{FileID: it.fileID}
	caption := renderHTML(it.caption)
	parseMode := ""
	if caption != "" {
		parseMode = telego.ModeHTML
	}
	var err error
	switch it.att.Kind {
	case models.KindPhoto:
		_, err = p.bot.SendPhoto(ctx, &telego.SendPhotoParams{ChatID: chat, Photo: file, Caption: caption, ParseMode: parseMode})
	case models.KindVideo:
		_, err = p.bot.SendVideo(ctx, &telego.SendVideoParams{
			ChatID:            chat,
			Video:             file,
			Caption:           caption,
			ParseMode:         parseMode,
			Width:             it.att.Width,
			Height:            it.att.Height,
			SupportsStreaming: true,
		})
	case models.KindAudio:
		_, err = p.bot.SendAudio(ctx, &telego.SendAudioParams{
			ChatID:    chat,
			Audio:     file,
			Caption:   caption,
			ParseMode: parseMode,
			Performer: it.att.Artist,
			Title:     it.att.Title,
		})
	case models.KindDocument:
		_, err = p.bot.SendDocument(ctx, &telego.SendDocumentParams{ChatID: chat, Document: file, Caption: caption, ParseMode: parseMode})
	default:
		err = fmt.Errorf("unsupported attachment kind %q", it.att.Kind)
	}
	return err
}

// cleanup deletes staging messages. It runs on a context detached from
// cancellation so a shutdown does not leave staged media behind.
func (p *Publisher) cleanup(ctx context.Context, opts Options, limiter ratelimit.Limiter, chat telego.ChatID, ids []int) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.CleanupTimeout)
	defer cancel()
	for len(ids) > 0 {
		n := min(len(ids), maxDeleteBatch)
		limiter.Take()
		err := p.bot.DeleteMessages(ctx, &telego.DeleteMessagesParams{ChatID: chat, MessageIDs: ids[:n]})
		if err != nil {
			log.Printf("[Telegram Staging] Failed to delete %d staged message(s): %v", n, err)
		}
		ids = ids[n:]
	}
}

// parseChatID accepts "@username" or a numeric chat id.
func parseChatID(s string) (telego.ChatID, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "@") && len(s) > 1 {
		return tu.Username(s), nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return telego.ChatID{}, fmt.Errorf("invalid chat id %q", s)
	}
	return tu.ID(id), nil
}
