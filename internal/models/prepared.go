package models

// PreparedAttachment is the destination-neutral form of a downloaded
// attachment with its final display filename.
type PreparedAttachment struct {
	Kind     AttachmentKind
	FilePath string
	Filename string

	Width         int
	Height        int
	ThumbnailPath string

	Artist string
	Title  string
}

// PreparedPost is consumed by the publish protocols and discarded afterwards.
type PreparedPost struct {
	SourceID    int64
	Text        string
	Tags        []string
	Attachments []PreparedAttachment
}

// Empty reports whether there is nothing to publish.
func (p *PreparedPost) Empty() bool {
	return p.Text == "" && len(p.Attachments) == 0
}

// Videos returns the video attachments in original order.
func (p *PreparedPost) Videos() []PreparedAttachment {
	var out []PreparedAttachment
	for _, a := range p.Attachments {
		if a.Kind == KindVideo {
			out = append(out, a)
		}
	}
	return out
}

// Files lists every local file referenced by the post.
func (p *PreparedPost) Files() []string {
	var files []string
	for _, a := range p.Attachments {
		files = append(files, a.FilePath)
		if a.ThumbnailPath != "" {
			files = append(files, a.ThumbnailPath)
		}
	}
	return files
}
