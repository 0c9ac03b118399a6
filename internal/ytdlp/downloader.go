// Package ytdlp runs the yt-dlp binary as an isolated child process to
// fetch videos by page URL.
package ytdlp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"reposter/internal/locales"
	"reposter/internal/models"
	"reposter/internal/retry"
	msgs "reposter/pkg/locales"
)

const (
	defaultExecutable     = "yt-dlp"
	defaultTerminateGrace = 2 * time.Second
	outputTemplate        = "%(id)s.%(ext)s"
)

// ErrNoOutput is returned when the tool exits cleanly but reports no file.
var ErrNoOutput = errors.New("ytdlp: no output file reported")

// ToolError is a non-zero exit of the tool.
type ToolError struct {
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("yt-dlp exited with code %d: %s", e.ExitCode, e.Stderr)
}

// Options configures a Downloader.
type Options struct {
	Executable string
	OutputDir  string
	// Args are passed before the flags the downloader manages itself.
	Args []string
	// Browser, when set, is handed to --cookies-from-browser.
	Browser    string
	Retries    int
	RetryDelay time.Duration
	// TerminateGrace is how long a cancelled child gets between SIGTERM and
	// SIGKILL.
	TerminateGrace time.Duration
	Sleep          func(ctx context.Context, d time.Duration) error
}

// Downloader fetches one video at a time.
type Downloader struct {
	mu           sync.Mutex
	opts         Options
	cancelActive context.CancelFunc
}

// New creates a downloader.
func New(opts Options) *Downloader {
	d := &Downloader{}
	d.UpdateConfig(opts)
	return d
}

// UpdateConfig swaps settings; a running download keeps the old ones.
func (d *Downloader) UpdateConfig(opts Options) {
	if opts.Executable == "" {
		opts.Executable = defaultExecutable
	}
	if opts.Retries <= 0 {
		opts.Retries = 1
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = defaultTerminateGrace
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.SleepContext
	}
	d.mu.Lock()
	d.opts = opts
	d.mu.Unlock()
}

// Shutdown stops the active download, if any.
func (d *Downloader) Shutdown() {
	d.mu.Lock()
	cancel := d.cancelActive
	d.mu.Unlock()
	if cancel != nil {
		log.Printf("[YTDLP] Stopping active download")
		cancel()
	}
}

// HealthCheck reports whether the executable can be found.
func (d *Downloader) HealthCheck(_ context.Context) models.HealthStatus {
	d.mu.Lock()
	exe := d.opts.Executable
	d.mu.Unlock()
	path, err := exec.LookPath(exe)
	if err != nil {
		return models.HealthStatus{
			Status:  models.HealthError,
			Message: locales.Message(msgs.MsgHealthDownloaderFailed, map[string]any{"Error": err.Error()}),
		}
	}
	return models.HealthStatus{
		Status:  models.HealthOK,
		Message: locales.Message(msgs.MsgHealthDownloaderOK, map[string]any{"Path": path}),
	}
}

// Download fetches pageURL into the output directory and returns the file
// path. Attempts are separated by RetryDelay * 2^attempt. On cancellation
// the child is terminated and its partial files removed.
func (d *Downloader) Download(ctx context.Context, pageURL string) (string, error) {
	d.mu.Lock()
	opts := d.opts
	ctx, cancel := context.WithCancel(ctx)
	d.cancelActive = cancel
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		d.cancelActive = nil
		d.mu.Unlock()
	}()

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < opts.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		log.Printf("[YTDLP] Downloading %s (attempt %d/%d)", pageURL, attempt+1, opts.Retries)
		path, err := runOnce(ctx, opts, pageURL)
		if err == nil {
			log.Printf("[YTDLP] Saved %s", path)
			return path, nil
		}
		if retry.IsCancellation(err) {
			log.Printf("[YTDLP] Download of %s cancelled", pageURL)
			return "", err
		}
		lastErr = err
		log.Printf("[YTDLP] Attempt %d failed: %v", attempt+1, err)

		if attempt < opts.Retries-1 {
			wait := opts.RetryDelay * time.Duration(1<<attempt)
			if err := opts.Sleep(ctx, wait); err != nil {
				return "", err
			}
		}
	}
	return "", &retry.ExhaustedError{Attempts: opts.Retries, Err: lastErr}
}

type result struct {
	stdout string
	err    error
}

// runOnce downloads into a private temp dir so a cancelled or failed run
// leaves nothing behind.
func runOnce(ctx context.Context, opts Options, pageURL string) (string, error) {
	workDir, err := os.MkdirTemp(opts.OutputDir, ".ytdlp-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(workDir)

	args := append([]string{}, opts.Args...)
	if opts.Browser != "" {
		args = append(args, "--cookies-from-browser", opts.Browser)
	}
	args = append(args,
		"--no-simulate",
		"--no-progress",
		"--print", "after_move:filepath",
		"-o", filepath.Join(workDir, outputTemplate),
		pageURL,
	)

	cmd := exec.Command(opts.Executable, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = opts.TerminateGrace
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", opts.Executable, err)
	}

	done := make(chan result, 1)
	go func() {
		err := cmd.Wait()
		done <- result{stdout: stdout.String(), err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		terminate(cmd, done, opts.TerminateGrace)
		return "", ctx.Err()
	}

	if res.err != nil {
		var exitErr *exec.ExitError
		if errors.As(res.err, &exitErr) {
			return "", &ToolError{ExitCode: exitErr.ExitCode(), Stderr: lastLine(stderr.String())}
		}
		return "", res.err
	}

	produced := lastLine(res.stdout)
	if produced == "" {
		return "", ErrNoOutput
	}
	if _, err := os.Stat(produced); err != nil {
		return "", fmt.Errorf("reported file missing: %w", err)
	}
	final := filepath.Join(opts.OutputDir, filepath.Base(produced))
	if err := os.Rename(produced, final); err != nil {
		return "", fmt.Errorf("move downloaded file: %w", err)
	}
	return final, nil
}

// terminate asks the child to stop, then kills it after grace.
func terminate(cmd *exec.Cmd, done <-chan result, grace time.Duration) {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("[YTDLP] Child %d ignored SIGTERM, killing", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
