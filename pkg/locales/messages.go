package locales

// Message IDs resolved through the i18n bundle in internal/locales.
const (
	// Health probes
	MsgHealthVKOK              = "HealthVKOK"
	MsgHealthVKFailed          = "HealthVKFailed"
	MsgHealthVKNoDomain        = "HealthVKNoDomain"
	MsgHealthTelegramOK        = "HealthTelegramOK"
	MsgHealthTelegramFailed    = "HealthTelegramFailed"
	MsgHealthTelegramNotAdmin  = "HealthTelegramNotAdmin"
	MsgHealthTelegramNoChannel = "HealthTelegramNoChannel"
	MsgHealthBoostyOK          = "HealthBoostyOK"
	MsgHealthBoostyFailed      = "HealthBoostyFailed"
	MsgHealthBoostyDisabled    = "HealthBoostyDisabled"
	MsgHealthDownloaderOK      = "HealthDownloaderOK"
	MsgHealthDownloaderFailed  = "HealthDownloaderFailed"

	// Blog drafts
	MsgBoostyDefaultTitle = "BoostyDefaultTitle"
)
