// Package processing turns fetched wall posts into prepared posts: it
// downloads attachments, selects video covers, probes video dimensions and
// normalizes text.
package processing

import (
	"errors"
	"fmt"

	"reposter/internal/models"
)

// ErrNoVideoTrack means the downloaded video has no track with usable
// dimensions. Destinations cannot send a video without them.
var ErrNoVideoTrack = errors.New("no video track with dimensions")

// ErrNoPayload is returned for a supported kind whose payload is missing.
var ErrNoPayload = errors.New("attachment has no payload")

// DownloadError is a failure to produce the local artifact of one attachment.
type DownloadError struct {
	Kind models.AttachmentKind
	Err  error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.Kind, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// PostProcessingError is a failure that prevents a post from being prepared.
type PostProcessingError struct {
	PostID int64
	Err    error
}

func (e *PostProcessingError) Error() string {
	return fmt.Sprintf("process post %d: %v", e.PostID, e.Err)
}

func (e *PostProcessingError) Unwrap() error { return e.Err }
