package locales

import (
	"embed"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed *.json
var localeFS embed.FS

var (
	mu               sync.RWMutex
	bundle           *i18n.Bundle
	defaultLanguage  language.Tag
	defaultLocalizer *i18n.Localizer
)

// Init loads the embedded message files and sets the default language.
// It may be called again when the configured language changes.
func Init(defaultLangCode string) error {
	tag, err := language.Parse(defaultLangCode)
	if err != nil {
		log.Printf("WARN: Failed to parse language code '%s': %v. Falling back to English.", defaultLangCode, err)
		tag = language.English
	}

	b := i18n.NewBundle(tag)
	b.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := localeFS.ReadDir(".")
	if err != nil {
		return fmt.Errorf("read embedded locales: %w", err)
	}
	loaded := 0
	for _, file := range entries {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		if _, err := b.LoadMessageFileFS(localeFS, file.Name()); err != nil {
			log.Printf("WARN: Failed to load message file '%s': %v", file.Name(), err)
			continue
		}
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("no message files loaded")
	}

	mu.Lock()
	bundle = b
	defaultLanguage = tag
	defaultLocalizer = i18n.NewLocalizer(b, tag.String())
	mu.Unlock()
	log.Printf("i18n bundle initialized with %d file(s). Default language: %s", loaded, tag.String())
	return nil
}

func ensureInit() {
	mu.RLock()
	ready := bundle != nil
	mu.RUnlock()
	if ready {
		return
	}
	if err := Init(language.English.String()); err != nil {
		log.Printf("ERROR: i18n init failed: %v", err)
	}
}

// GetDefaultLanguageTag returns the configured default language tag.
func GetDefaultLanguageTag() language.Tag {
	ensureInit()
	mu.RLock()
	defer mu.RUnlock()
	return defaultLanguage
}

// NewLocalizer creates a localizer for the given language preferences.
func NewLocalizer(langPrefs ...string) *i18n.Localizer {
	ensureInit()
	mu.RLock()
	defer mu.RUnlock()
	return i18n.NewLocalizer(bundle, langPrefs...)
}

// Message formats msgID in the default language.
func Message(msgID string, templateData map[string]any) string {
	ensureInit()
	mu.RLock()
	l := defaultLocalizer
	mu.RUnlock()
	if l == nil {
		return msgID
	}
	return GetMessage(l, msgID, templateData, nil)
}

// GetMessage retrieves and formats a message by its ID using the provided localizer.
// Falls back to English, then to the ID itself.
func GetMessage(localizer *i18n.Localizer, msgID string, templateData map[string]any, pluralCount *int) string {
	config := &i18n.LocalizeConfig{
		MessageID:    msgID,
		TemplateData: templateData,
	}
	if pluralCount != nil {
		config.PluralCount = *pluralCount
	}

	localizedMsg, err := localizer.Localize(config)
	if err == nil {
		return localizedMsg
	}
	log.Printf("ERROR: Failed to localize message ID '%s': %v. Falling back to English.", msgID, err)

	mu.RLock()
	b := bundle
	mu.RUnlock()
	if b != nil {
		if fallbackMsg, fallbackErr := i18n.NewLocalizer(b, language.English.String()).Localize(config); fallbackErr == nil {
			return fallbackMsg
		}
	}
	return msgID
}
