package models

// AttachmentKind identifies the payload carried by an Attachment.
type AttachmentKind string

// Attachment kinds reported by the wall API. Only photo, video, audio and doc
// carry a payload the pipeline downloads; the rest are skipped.
const (
	KindPhoto     AttachmentKind = "photo"
	KindVideo     AttachmentKind = "video"
	KindAudio     AttachmentKind = "audio"
	KindDocument  AttachmentKind = "doc"
	KindLink      AttachmentKind = "link"
	KindPoll      AttachmentKind = "poll"
	KindGraffiti  AttachmentKind = "graffiti"
	KindDonutLink AttachmentKind = "donut_link"
)

// Supported reports whether the pipeline knows how to download this kind.
func (k AttachmentKind) Supported() bool {
	switch k {
	case KindPhoto, KindVideo, KindAudio, KindDocument:
		return true
	default:
		return false
	}
}

// ContentSource selects which partition of a wall a binding reads.
type ContentSource string

const (
	SourceWall  ContentSource = "wall"
	SourceDonut ContentSource = "donut"
)

// Post is a single wall entry. Posts are immutable once fetched.
type Post struct {
	ID          int64        `json:"id"`
	OwnerID     int64        `json:"owner_id"`
	FromID      int64        `json:"from_id"`
	Date        int64        `json:"date"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments"`
	IsPinned    int          `json:"is_pinned,omitempty"`
}

// Pinned reports whether the post is pinned to the top of the wall.
func (p Post) Pinned() bool {
	return p.IsPinned != 0
}

// Attachment is a tagged union: Type selects which pointer field is set.
// Unknown or unsupported kinds decode with every payload field nil.
type Attachment struct {
	Type  AttachmentKind `json:"type"`
	Photo *Photo         `json:"photo,omitempty"`
	Video *Video         `json:"video,omitempty"`
	Audio *Audio         `json:"audio,omitempty"`
	Doc   *Doc           `json:"doc,omitempty"`
}

type PhotoSize struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type Photo struct {
	ID        int64       `json:"id"`
	OwnerID   int64       `json:"owner_id"`
	Sizes     []PhotoSize `json:"sizes"`
	OrigPhoto *PhotoSize  `json:"orig_photo,omitempty"`
}

// LargestURL returns the URL of the widest size, falling back to the
// original photo when no sizes are listed.
func (p Photo) LargestURL() string {
	best := -1
	url := ""
	for _, s := range p.Sizes {
		if s.Width > best {
			best = s.Width
			url = s.URL
		}
	}
	if url == "" && p.OrigPhoto != nil {
		url = p.OrigPhoto.URL
	}
	return url
}

// CoverSize is one candidate preview image of a video.
type CoverSize struct {
	URL         string `json:"url"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	WithPadding int    `json:"with_padding,omitempty"`
}

type Video struct {
	ID          int64       `json:"id"`
	OwnerID     int64       `json:"owner_id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Duration    int         `json:"duration,omitempty"`
	AccessKey   string      `json:"access_key,omitempty"`
	Image       []CoverSize `json:"image,omitempty"`
}

// PageURL is the public watch page handed to the media-fetch tool.
func (v Video) PageURL() string {
	return "https://vk.com/video" + itoa(v.OwnerID) + "_" + itoa(v.ID)
}

type Audio struct {
	ID      int64  `json:"id"`
	OwnerID int64  `json:"owner_id"`
	Artist  string `json:"artist"`
	Title   string `json:"title"`
	URL     string `json:"url"`
}

type Doc struct {
	ID      int64  `json:"id"`
	OwnerID int64  `json:"owner_id"`
	Title   string `json:"title"`
	Ext     string `json:"ext,omitempty"`
	URL     string `json:"url"`
}
