package app

import (
	"context"
	"path/filepath"
	"time"

	"reposter/internal/boosty"
	"reposter/internal/config"
	"reposter/internal/database"
	"reposter/internal/executor"
	"reposter/internal/locales"
	"reposter/internal/metrics"
	"reposter/internal/models"
	"reposter/internal/processing"
	"reposter/internal/telegram"
	"reposter/internal/vk"
	"reposter/internal/ytdlp"
	msgs "reposter/pkg/locales"
	"reposter/pkg/telegoapi"
)

const probeTimeout = 30 * time.Second

func vkOptions(cfg *config.Config) vk.Options {
	return vk.Options{
		ServiceToken: cfg.VKServiceToken,
		DonutToken:   cfg.VKDonutToken,
		Debug:        cfg.Debug,
	}
}

func ytdlpOptions(cfg *config.Config) ytdlp.Options {
	d := cfg.Downloader
	return ytdlp.Options{
		Executable: d.Executable,
		OutputDir:  filepath.Join(d.OutputPath, "videos"),
		Args:       d.Args,
		Browser:    d.Browser,
		Retries:    d.Retries.Count,
		RetryDelay: time.Duration(d.Retries.DelaySeconds) * time.Second,
	}
}

func telegramOptions(cfg *config.Config) telegram.Options {
	return telegram.Options{StagingChatID: cfg.StagingChatID, Debug: cfg.Debug}
}

func boostyOptions(cfg *config.Config) boosty.Options {
	return boosty.Options{BaseURL: cfg.Boosty.BaseURL, AuthFile: cfg.Boosty.AuthFile, Debug: cfg.Debug}
}

type vkComponent struct{ c *vk.Client }

func (v vkComponent) Name() string { return "vk" }

func (v vkComponent) UpdateConfig(cfg *config.Config) { v.c.UpdateConfig(vkOptions(cfg)) }

func (v vkComponent) HealthCheck(ctx context.Context, cfg *config.Config) models.HealthStatus {
	if len(cfg.Bindings) == 0 {
		return models.HealthStatus{Status: models.HealthError, Message: locales.Message(msgs.MsgHealthVKNoDomain, nil)}
	}
	return v.c.HealthCheck(ctx, cfg.Bindings[0].VK.Domain)
}

func (v vkComponent) Shutdown() { v.c.Shutdown() }

type downloaderComponent struct{ d *ytdlp.Downloader }

func (d downloaderComponent) Name() string { return "yt-dlp" }

func (d downloaderComponent) UpdateConfig(cfg *config.Config) { d.d.UpdateConfig(ytdlpOptions(cfg)) }

func (d downloaderComponent) HealthCheck(ctx context.Context, _ *config.Config) models.HealthStatus {
	return d.d.HealthCheck(ctx)
}

func (d downloaderComponent) Shutdown() { d.d.Shutdown() }

type telegramComponent struct{ p *telegram.Publisher }

func (t telegramComponent) Name() string { return "telegram" }

func (t telegramComponent) UpdateConfig(cfg *config.Config) { t.p.UpdateConfig(telegramOptions(cfg)) }

func (t telegramComponent) HealthCheck(ctx context.Context, cfg *config.Config) models.HealthStatus {
	return t.p.HealthCheck(ctx, cfg.Channels())
}

func (t telegramComponent) Shutdown() {}

type boostyComponent struct{ c *boosty.Client }

func (b boostyComponent) Name() string { return "boosty" }

func (b boostyComponent) UpdateConfig(cfg *config.Config) { b.c.UpdateConfig(boostyOptions(cfg)) }

func (b boostyComponent) HealthCheck(ctx context.Context, cfg *config.Config) models.HealthStatus {
	blogs := cfg.BlogNames()
	if len(blogs) == 0 {
		return b.c.HealthCheck(ctx, "")
	}
	return b.c.HealthCheck(ctx, blogs[0])
}

func (b boostyComponent) Shutdown() { b.c.Shutdown() }

// Build constructs every component from cfg. bot may be nil when no
// binding targets Telegram; postLog and m are optional.
func Build(cfg *config.Config, bot telegoapi.BotAPI, postLog database.PostLogger, m *metrics.Metrics) (*App, error) {
	vkClient := vk.New(vkOptions(cfg))
	videos := ytdlp.New(ytdlpOptions(cfg))
	blog := boosty.New(boostyOptions(cfg))

	pipeline := processing.NewPipeline(vkClient, videos, processing.NewFFProbe("", probeTimeout), processing.DirsUnder(cfg.Downloader.OutputPath))
	deps := executor.Deps{
		Fetcher:     vkClient,
		Processor:   processing.NewPostProcessor(pipeline),
		Blog:        blog,
		Checkpoints: database.NewFileCheckpointStore(cfg.App.StateFile),
		PostLog:     postLog,
		Metrics:     m,
	}
	components := []Component{vkComponent{vkClient}, downloaderComponent{videos}}
	if bot != nil {
		publisher := telegram.NewPublisher(bot, telegramOptions(cfg))
		deps.Chat = publisher
		components = append(components, telegramComponent{publisher})
	}
	components = append(components, boostyComponent{blog})

	return New(Deps{
		Config:     cfg,
		Runner:     executor.New(deps),
		Components: components,
	})
}
