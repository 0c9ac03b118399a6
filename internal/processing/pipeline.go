package processing

import (
	"context"
	"errors"
	"log"
	"path/filepath"

	"reposter/internal/models"
	"reposter/internal/retry"
)

// FileFetcher downloads a direct URL into dir.
type FileFetcher interface {
	Download(ctx context.Context, url, dir string) (string, error)
}

// VideoFetcher downloads a video by its watch page URL.
type VideoFetcher interface {
	Download(ctx context.Context, pageURL string) (string, error)
}

// Dirs are the per-kind download directories.
type Dirs struct {
	Photos     string
	Thumbnails string
	Audio      string
	Docs       string
}

// DirsUnder lays out the per-kind directories below root.
func DirsUnder(root string) Dirs {
	return Dirs{
		Photos:     filepath.Join(root, "photos"),
		Thumbnails: filepath.Join(root, "thumbnails"),
		Audio:      filepath.Join(root, "audio"),
		Docs:       filepath.Join(root, "docs"),
	}
}

// Pipeline downloads single attachments into local artifacts.
type Pipeline struct {
	files  FileFetcher
	videos VideoFetcher
	prober VideoProber
	dirs   Dirs
}

func NewPipeline(files FileFetcher, videos VideoFetcher, prober VideoProber, dirs Dirs) *Pipeline {
	return &Pipeline{files: files, videos: videos, prober: prober, dirs: dirs}
}

// Download fetches one attachment. Unsupported kinds return (nil, nil).
func (p *Pipeline) Download(ctx context.Context, att models.Attachment) (*models.DownloadedArtifact, error) {
	var (
		art *models.DownloadedArtifact
		err error
	)
	switch att.Type {
	case models.KindPhoto:
		art, err = p.photo(ctx, att.Photo)
	case models.KindVideo:
		art, err = p.video(ctx, att.Video)
	case models.KindAudio:
		art, err = p.audio(ctx, att.Audio)
	case models.KindDocument:
		art, err = p.doc(ctx, att.Doc)
	case models.KindLink, models.KindPoll, models.KindGraffiti, models.KindDonutLink:
		log.Printf("[Pipeline] Skipping unsupported attachment: %s", att.Type)
		return nil, nil
	default:
		log.Printf("[Pipeline] Skipping unknown attachment: %q", att.Type)
		return nil, nil
	}
	if err != nil {
		if retry.IsCancellation(err) {
			return nil, err
		}
		return nil, &DownloadError{Kind: att.Type, Err: err}
	}
	return art, nil
}

func (p *Pipeline) photo(ctx context.Context, photo *models.Photo) (*models.DownloadedArtifact, error) {
	if photo == nil {
		return nil, ErrNoPayload
	}
	url := photo.LargestURL()
	if url == "" {
		return nil, errors.New("photo has no sizes")
	}
	path, err := p.files.Download(ctx, url, p.dirs.Photos)
	if err != nil {
		return nil, err
	}
	return &models.DownloadedArtifact{
		Kind:     models.KindPhoto,
		FilePath: path,
		OwnerID:  photo.OwnerID,
		ID:       photo.ID,
	}, nil
}

func (p *Pipeline) video(ctx context.Context, video *models.Video) (*models.DownloadedArtifact, error) {
	if video == nil {
		return nil, ErrNoPayload
	}
	path, err := p.videos.Download(ctx, video.PageURL())
	if err != nil {
		return nil, err
	}
	art := &models.DownloadedArtifact{
		Kind:     models.KindVideo,
		FilePath: path,
		OwnerID:  video.OwnerID,
		ID:       video.ID,
		Title:    video.Title,
	}

	if cover, ok := SelectThumbnail(video.Image, ThumbnailTargetSize, ThumbnailTargetRatio); ok {
		thumb, err := p.files.Download(ctx, cover.URL, p.dirs.Thumbnails)
		switch {
		case retry.IsCancellation(err):
			DeleteFiles(art.Files())
			return nil, err
		case err != nil:
			log.Printf("[Pipeline Video:%d_%d] Cover download failed, sending without it: %v", video.OwnerID, video.ID, err)
		default:
			art.ThumbnailPath = thumb
		}
	}

	w, h, err := p.prober.Probe(ctx, path)
	if err != nil {
		DeleteFiles(art.Files())
		return nil, err
	}
	art.Width, art.Height = w, h
	return art, nil
}

func (p *Pipeline) audio(ctx context.Context, audio *models.Audio) (*models.DownloadedArtifact, error) {
	if audio == nil {
		return nil, ErrNoPayload
	}
	path, err := p.files.Download(ctx, audio.URL, p.dirs.Audio)
	if err != nil {
		return nil, err
	}
	return &models.DownloadedArtifact{
		Kind:     models.KindAudio,
		FilePath: path,
		OwnerID:  audio.OwnerID,
		ID:       audio.ID,
		Artist:   audio.Artist,
		Title:    audio.Title,
	}, nil
}

func (p *Pipeline) doc(ctx context.Context, doc *models.Doc) (*models.DownloadedArtifact, error) {
	if doc == nil {
		return nil, ErrNoPayload
	}
	path, err := p.files.Download(ctx, doc.URL, p.dirs.Docs)
	if err != nil {
		return nil, err
	}
	return &models.DownloadedArtifact{
		Kind:     models.KindDocument,
		FilePath: path,
		OwnerID:  doc.OwnerID,
		ID:       doc.ID,
		Name:     doc.Title,
	}, nil
}
