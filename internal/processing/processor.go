package processing

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"reposter/internal/models"
	"reposter/internal/textutil"
)

// AttachmentDownloader produces the artifact of one attachment, or nil when
// the kind is skipped.
type AttachmentDownloader interface {
	Download(ctx context.Context, att models.Attachment) (*models.DownloadedArtifact, error)
}

// PostProcessor prepares posts for publishing.
type PostProcessor struct {
	downloader AttachmentDownloader
}

func NewPostProcessor(downloader AttachmentDownloader) *PostProcessor {
	return &PostProcessor{downloader: downloader}
}

// Process normalizes text, extracts tags and downloads attachments in
// order. On any failure, cancellation included, files downloaded so far are
// removed before returning.
func (pp *PostProcessor) Process(ctx context.Context, post models.Post) (*models.PreparedPost, error) {
	text := textutil.NormalizeLinks(post.Text)
	text, tags := textutil.ExtractTags(text)

	prepared := &models.PreparedPost{SourceID: post.ID, Text: text, Tags: tags}
	var artifacts []models.DownloadedArtifact
	for _, att := range post.Attachments {
		if err := ctx.Err(); err != nil {
			deleteArtifacts(artifacts)
			return nil, err
		}
		art, err := pp.downloader.Download(ctx, att)
		if err != nil {
			deleteArtifacts(artifacts)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &PostProcessingError{PostID: post.ID, Err: err}
		}
		if art == nil {
			continue
		}
		artifacts = append(artifacts, *art)
		prepared.Attachments = append(prepared.Attachments, Prepare(*art))
	}
	return prepared, nil
}

// Prepare builds the publishable form of an artifact with a sanitized
// display filename.
func Prepare(art models.DownloadedArtifact) models.PreparedAttachment {
	ext := filepath.Ext(art.FilePath)
	var name string
	switch art.Kind {
	case models.KindVideo:
		name = art.Title
		if strings.TrimSpace(name) == "" {
			name = strconv.FormatInt(art.OwnerID, 10) + "_" + strconv.FormatInt(art.ID, 10)
		}
		name += ext
	case models.KindAudio:
		name = art.Artist + " - " + art.Title + ext
	case models.KindDocument:
		name = art.Name
		if ext != "" && !strings.EqualFold(filepath.Ext(name), ext) {
			name += ext
		}
	default:
		name = filepath.Base(art.FilePath)
	}

	return models.PreparedAttachment{
		Kind:          art.Kind,
		FilePath:      art.FilePath,
		Filename:      textutil.SanitizeFilename(name),
		Width:         art.Width,
		Height:        art.Height,
		ThumbnailPath: art.ThumbnailPath,
		Artist:        art.Artist,
		Title:         art.Title,
	}
}

// DeleteFiles removes local files, logging failures. Missing files are
// ignored.
func DeleteFiles(paths []string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Printf("[Cleanup] Failed to delete %s: %v", p, err)
		}
	}
}

func deleteArtifacts(artifacts []models.DownloadedArtifact) {
	for _, a := range artifacts {
		DeleteFiles(a.Files())
	}
}
