package telegram

import (
	"github.com/mymmrac/telego"

	"reposter/internal/models"
)

// maxGroupSize is the platform limit of items in one media group.
const maxGroupSize = 10

// stagedItem is a media reference obtained by sending an attachment to the
// staging chat. It lives until the staging message is deleted.
type stagedItem struct {
	att       models.PreparedAttachment
	messageID int
	fileID    string
	caption   string
}

type bucket int

const (
	bucketVisual bucket = iota
	bucketAudio
	bucketDocument
)

func bucketOf(kind models.AttachmentKind) bucket {
	switch kind {
	case models.KindAudio:
		return bucketAudio
	case models.KindDocument:
		return bucketDocument
	default:
		return bucketVisual
	}
}

// assignCaption puts caption on exactly one item: the first photo or video,
// else the first audio, else the first document.
func assignCaption(items []stagedItem, caption string) {
	if caption == "" {
		return
	}
	for _, b := range []bucket{bucketVisual, bucketAudio, bucketDocument} {
		for i := range items {
			if bucketOf(items[i].att.Kind) == b {
				items[i].caption = caption
				return
			}
		}
	}
}

// groupItems partitions items into visual, audio and document buckets,
// keeping staging order inside each, and splits every bucket into chunks
// the platform accepts. Empty buckets are omitted.
func groupItems(items []stagedItem) [][]stagedItem {
	var buckets [3][]stagedItem
	for _, it := range items {
		b := bucketOf(it.att.Kind)
		buckets[b] = append(buckets[b], it)
	}
	var out [][]stagedItem
	for _, b := range buckets {
		for len(b) > 0 {
			n := min(len(b), maxGroupSize)
			out = append(out, b[:n])
			b = b[n:]
		}
	}
	return out
}

// inputMedia converts staged items into group members. Captions stay on
// the item that owns them.
func inputMedia(items []stagedItem) []telego.InputMedia {
	media := make([]telego.InputMedia, 0, len(items))
	for _, it := range items {
		file := telego.InputFile{FileID: it.fileID}
		caption := renderHTML(it.caption)
		parseMode := ""
		if caption != "" {
			parseMode = telego.ModeHTML
		}
		switch it.att.Kind {
		case models.KindPhoto:
			media = append(media, &telego.InputMediaPhoto{
				Type:      telego.MediaTypePhoto,
				Media:     file,
				Caption:   caption,
				ParseMode: parseMode,
			})
		case models.KindVideo:
			media = append(media, &telego.InputMediaVideo{
				Type:              telego.MediaTypeVideo,
				Media:             file,
				Caption:           caption,
				ParseMode:         parseMode,
				Width:             it.att.Width,
				Height:            it.att.Height,
				SupportsStreaming: true,
			})
		case models.KindAudio:
			media = append(media, &telego.InputMediaAudio{
				Type:      telego.MediaTypeAudio,
				Media:     file,
				Caption:   caption,
				ParseMode: parseMode,
				Performer: it.att.Artist,
				Title:     it.att.Title,
			})
		case models.KindDocument:
			media = append(media, &telego.InputMediaDocument{
				Type:      telego.MediaTypeDocument,
				Media:     file,
				Caption:   caption,
				ParseMode: parseMode,
			})
		}
	}
	return media
}

// fileIDOf extracts the reusable reference from a staging reply.
func fileIDOf(kind models.AttachmentKind, msg *telego.Message) string {
	if msg == nil {
		return ""
	}
	switch kind {
	case models.KindPhoto:
		best := ""
		bestArea := -1
		for _, p := range msg.Photo {
			if area := p.Width * p.Height; area > bestArea {
				best, bestArea = p.FileID, area
			}
		}
		return best
	case models.KindVideo:
		if msg.Video != nil {
			return msg.Video.FileID
		}
	case models.KindAudio:
		if msg.Audio != nil {
			return msg.Audio.FileID
		}
	case models.KindDocument:
		if msg.Document != nil {
			return msg.Document.FileID
		}
	}
	return ""
}
