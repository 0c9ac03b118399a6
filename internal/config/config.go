package config

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"reposter/internal/models"
)

// DefaultPath is used when CONFIG_PATH is not set.
const DefaultPath = "config.yaml"

// Env holds secrets and deployment settings read from the environment.
type Env struct {
	AppEnv          string
	Debug           bool
	Version         string
	ConfigPath      string
	VKServiceToken  string `validate:"required"`
	VKDonutToken    string
	BotToken        string
	StagingChatID   string
	SentryDSN       string
	MongoDBURI      string
	MongoDBDatabase string
}

// Settings is the structure of config.yaml.
type Settings struct {
	App        AppSettings        `yaml:"app"`
	Bindings   []BindingSettings  `yaml:"bindings" validate:"required,min=1,dive"`
	Downloader DownloaderSettings `yaml:"downloader"`
	Boosty     BoostySettings     `yaml:"boosty"`
}

type AppSettings struct {
	WaitTimeSeconds int    `yaml:"wait_time_seconds" validate:"gte=1"`
	StateFile       string `yaml:"state_file" validate:"required"`
	Language        string `yaml:"language" validate:"oneof=en ru"`
	MetricsAddr     string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// BindingSettings maps one wall to its destinations. At least one of
// Telegram and Boosty must be set.
type BindingSettings struct {
	Name     string          `yaml:"name"`
	VK       VKSettings      `yaml:"vk"`
	Telegram *TelegramTarget `yaml:"telegram"`
	Boosty   *BoostyTarget   `yaml:"boosty"`
}

type VKSettings struct {
	Domain     string `yaml:"domain" validate:"required"`
	PostCount  int    `yaml:"post_count" validate:"gte=1,lte=100"`
	PostSource string `yaml:"post_source" validate:"oneof=wall donut"`
}

type TelegramTarget struct {
	ChannelIDs []string `yaml:"channel_ids" validate:"required,min=1,dive,channel_id"`
}

type BoostyTarget struct {
	BlogName            string `yaml:"blog_name" validate:"required"`
	SubscriptionLevelID int64  `yaml:"subscription_level_id" validate:"gte=0"`
	Price               int    `yaml:"price" validate:"gte=0"`
}

type DownloaderSettings struct {
	Executable string   `yaml:"executable" validate:"required"`
	OutputPath string   `yaml:"output_path" validate:"required"`
	Args       []string `yaml:"args"`
	Browser    string   `yaml:"browser"`
	Retries    struct {
		Count        int `yaml:"count" validate:"gte=1"`
		DelaySeconds int `yaml:"delay_seconds" validate:"gte=0"`
	} `yaml:"retries"`
}

type BoostySettings struct {
	AuthFile string `yaml:"auth_file" validate:"required"`
	BaseURL  string `yaml:"base_url" validate:"omitempty,url"`
}

// Config is everything the application needs to start.
type Config struct {
	Env
	Settings
}

var (
	validate      = newValidator()
	channelIDExpr = regexp.MustCompile(`^(@[A-Za-z][A-Za-z0-9_]{3,}|-?[0-9]+)$`)
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("channel_id", func(fl validator.FieldLevel) bool {
		return channelIDExpr.MatchString(fl.Field().String())
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		b := sl.Current().Interface().(BindingSettings)
		if b.Telegram == nil && b.Boosty == nil {
			sl.ReportError(b.Telegram, "Telegram", "telegram", "destination", "")
		}
	}, BindingSettings{})
	return v
}

// LoadEnv reads the environment. A .env file is loaded when present but
// never overrides variables already set.
func LoadEnv() Env {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}
	debug, _ := strconv.ParseBool(getEnv("DEBUG", "false"))
	return Env{
		AppEnv:          getEnv("APP_ENV", "development"),
		Debug:           debug,
		Version:         getEnv("VERSION", "dev"),
		ConfigPath:      getEnv("CONFIG_PATH", DefaultPath),
		VKServiceToken:  getEnv("VK_SERVICE_TOKEN", ""),
		VKDonutToken:    getEnv("VK_DONUT_TOKEN", ""),
		BotToken:        getEnv("TELEGRAM_BOT_TOKEN", ""),
		StagingChatID:   getEnv("TELEGRAM_STAGING_CHAT_ID", ""),
		SentryDSN:       getEnv("SENTRY_DSN", ""),
		MongoDBURI:      getEnv("MONGODB_URI", ""),
		MongoDBDatabase: getEnv("MONGODB_DATABASE", "reposter"),
	}
}

// LoadSettings reads and validates config.yaml at path.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	s := defaultSettings()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range s.Bindings {
		s.Bindings[i].applyDefaults()
	}
	if err := validate.Struct(s); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return s, nil
}

// Load reads the environment and the settings file and checks that they
// fit together.
func Load() (*Config, error) {
	env := LoadEnv()
	settings, err := LoadSettings(env.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg := &Config{Env: env, Settings: *settings}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SentryDSN == "" {
		log.Println("Warning: SENTRY_DSN is not set. Error tracking disabled.")
	}
	return cfg, nil
}

// Validate checks the environment against the configured bindings.
func (c *Config) Validate() error {
	if err := validate.Struct(c.Env); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}
	var errs []error
	for _, b := range c.Bindings {
		if b.Telegram != nil && c.BotToken == "" {
			errs = append(errs, fmt.Errorf("binding %s: TELEGRAM_BOT_TOKEN is required", b.name()))
		}
		if b.Telegram != nil && !channelIDExpr.MatchString(c.StagingChatID) {
			errs = append(errs, fmt.Errorf("binding %s: TELEGRAM_STAGING_CHAT_ID must be @username or a numeric id", b.name()))
		}
		if b.VK.PostSource == string(models.SourceDonut) && c.VKDonutToken == "" {
			errs = append(errs, fmt.Errorf("binding %s: VK_DONUT_TOKEN is required for donut posts", b.name()))
		}
	}
	return errors.Join(errs...)
}

func defaultSettings() *Settings {
	s := &Settings{
		App: AppSettings{
			WaitTimeSeconds: 600,
			StateFile:       "state.yaml",
			Language:        "en",
		},
		Downloader: DownloaderSettings{
			Executable: "yt-dlp",
			OutputPath: "downloads",
		},
		Boosty: BoostySettings{AuthFile: "auth.json"},
	}
	s.Downloader.Retries.Count = 3
	s.Downloader.Retries.DelaySeconds = 5
	return s
}

func (b *BindingSettings) applyDefaults() {
	if b.VK.PostCount == 0 {
		b.VK.PostCount = 10
	}
	if b.VK.PostSource == "" {
		b.VK.PostSource = string(models.SourceWall)
	}
}

func (b BindingSettings) name() string {
	if b.Name != "" {
		return b.Name
	}
	return b.VK.Domain
}

// RuntimeBindings converts the configured bindings into their runtime form.
func (s *Settings) RuntimeBindings() []models.Binding {
	out := make([]models.Binding, 0, len(s.Bindings))
	for _, b := range s.Bindings {
		rb := models.Binding{
			Name: b.name(),
			Source: models.SourceLocator{
				Domain:   b.VK.Domain,
				PageSize: b.VK.PostCount,
				Source:   models.ContentSource(b.VK.PostSource),
			},
		}
		if b.Telegram != nil {
			rb.ChannelIDs = append([]string(nil), b.Telegram.ChannelIDs...)
		}
		if b.Boosty != nil {
			rb.Blog = &models.BlogTarget{
				BlogName:            b.Boosty.BlogName,
				SubscriptionLevelID: b.Boosty.SubscriptionLevelID,
				Price:               b.Boosty.Price,
			}
		}
		out = append(out, rb)
	}
	return out
}

// BlogNames lists the distinct blogs referenced by bindings.
func (s *Settings) BlogNames() []string {
	var names []string
	seen := map[string]bool{}
	for _, b := range s.Bindings {
		if b.Boosty != nil && !seen[b.Boosty.BlogName] {
			seen[b.Boosty.BlogName] = true
			names = append(names, b.Boosty.BlogName)
		}
	}
	return names
}

// Channels lists the distinct chat channels referenced by bindings.
func (s *Settings) Channels() []string {
	var channels []string
	seen := map[string]bool{}
	for _, b := range s.Bindings {
		if b.Telegram == nil {
			continue
		}
		for _, ch := range b.Telegram.ChannelIDs {
			if !seen[ch] {
				seen[ch] = true
				channels = append(channels, ch)
			}
		}
	}
	return channels
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
