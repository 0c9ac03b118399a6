package models

// DownloadedArtifact is the local copy of one attachment. Kind selects which
// of the type-specific fields are meaningful. The pipeline run that created
// an artifact owns its files and must delete them.
type DownloadedArtifact struct {
	Kind     AttachmentKind
	FilePath string

	// Source identity, used to synthesize filenames.
	OwnerID int64
	ID      int64

	// Video
	Title         string
	Width         int
	Height        int
	ThumbnailPath string

	// Audio
	Artist string

	// Document display name.
	Name string
}

// Files lists every local file the artifact holds.
func (a DownloadedArtifact) Files() []string {
	files := []string{a.FilePath}
	if a.ThumbnailPath != "" {
		files = append(files, a.ThumbnailPath)
	}
	return files
}
