package processing

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/vansante/go-ffprobe.v2"
)

// VideoProber reads the dimensions of the first video track of a file.
type VideoProber interface {
	Probe(ctx context.Context, path string) (width, height int, err error)
}

// FFProbe probes files with the ffprobe binary.
type FFProbe struct {
	Timeout time.Duration
}

// NewFFProbe uses binPath as the ffprobe executable when non-empty.
func NewFFProbe(binPath string, timeout time.Duration) *FFProbe {
	if binPath != "" {
		ffprobe.SetFFProbeBinPath(binPath)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FFProbe{Timeout: timeout}
}

func (p *FFProbe) Probe(ctx context.Context, path string) (int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	data, err := ffprobe.ProbeURL(ctx, path)
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	stream := data.FirstVideoStream()
	if stream == nil || stream.Width <= 0 || stream.Height <= 0 {
		return 0, 0, fmt.Errorf("%s: %w", path, ErrNoVideoTrack)
	}
	return stream.Width, stream.Height, nil
}
