package probe

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Transcoder produces derived renditions of video content. Paths are
// canonical catalog paths; implementations resolve them to real files.
type Transcoder interface {
	// Downscale re-encodes src into dst at the given width, keeping aspect
	// ratio, capped at bitrateKbps.
	Downscale(ctx context.Context, src, dst string, width, bitrateKbps int) error
	// Thumbnail extracts a single poster frame from src into dst.
	Thumbnail(ctx context.Context, src, dst string) error
}

// FFmpeg shells out to the ffmpeg binary against files under Root.
type FFmpeg struct {
	Root string
	Bin  string // default "ffmpeg"
}

func (f *FFmpeg) bin() string {
	if f.Bin != "" {
		return f.Bin
	}
	return "ffmpeg"
}

func (f *FFmpeg) osPath(path string) string {
	return filepath.Join(f.Root, filepath.FromSlash(strings.TrimPrefix(path, "/")))
}

func (f *FFmpeg) Downscale(ctx context.Context, src, dst string, width, bitrateKbps int) error {
	cmd := exec.CommandContext(ctx, f.bin(),
		"-i", f.osPath(src),
		"-c:a", "copy",
		"-vf", fmt.Sprintf("scale=%d:-1", width),
		"-b:v", fmt.Sprintf("%dk", bitrateKbps),
		"-y", f.osPath(dst),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg downscale %s: %w: %s", src, err, tail(out))
	}
	return nil
}

func (f *FFmpeg) Thumbnail(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, f.bin(),
		"-ss", "1",
		"-i", f.osPath(src),
		"-vf", "scale=320:320:force_original_aspect_ratio=decrease",
		"-frames:v", "1",
		"-y", f.osPath(dst),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg thumbnail %s: %w: %s", src, err, tail(out))
	}
	return nil
}

// tail keeps error output readable in logs.
func tail(out []byte) string {
	const max = 512
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return strings.TrimSpace(string(out))
}
