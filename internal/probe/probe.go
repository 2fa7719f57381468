// Package probe wraps the external media-introspection and processing
// capabilities (ffprobe/ffmpeg binaries, classification endpoints) behind
// interfaces the storage engine and background job consume.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Info describes probed content. Raw carries the full prober output so the
// catalog can persist it verbatim.
type Info struct {
	Duration    float64         `json:"duration"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	BitRate     int64           `json:"bit_rate"` // bits per second
	MediaType   string          `json:"internet_media_type"`
	Raw         json.RawMessage `json:"ffprobe,omitempty"`
}

// IsVideo reports whether the content has a playable duration.
func (i *Info) IsVideo() bool {
	return i.Duration > 0
}

// IsImage reports whether the sniffed media type is an image.
func (i *Info) IsImage() bool {
	return strings.HasPrefix(i.MediaType, "image/")
}

// Prober inspects the content at a canonical catalog path.
type Prober interface {
	Probe(ctx context.Context, path string) (*Info, error)
}

// FFProbe shells out to the ffprobe binary against files under Root.
type FFProbe struct {
	Root string // OS path of the managed root
	Bin  string // ffprobe executable, default "ffprobe"
}

// ffprobeOutput is the subset of ffprobe -of json we care about.
type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		BitRate   string `json:"bit_rate"`
	} `json:"streams"`
}

func (f *FFProbe) bin() string {
	if f.Bin != "" {
		return f.Bin
	}
	return "ffprobe"
}

// OSPath resolves a canonical catalog path to an OS path under Root.
func (f *FFProbe) OSPath(path string) string {
	return filepath.Join(f.Root, filepath.FromSlash(strings.TrimPrefix(path, "/")))
}

func (f *FFProbe) Probe(ctx context.Context, path string) (*Info, error) {
	osPath := f.OSPath(path)

	info := &Info{MediaType: "application/octet-stream"}
	if mt, err := mimetype.DetectFile(osPath); err == nil {
		info.MediaType = mt.String()
	}

	out, err := exec.CommandContext(ctx, f.bin(),
		"-show_format", "-show_streams", "-of", "json", osPath).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	info.Raw = json.RawMessage(out)
	info.Duration, _ = strconv.ParseFloat(parsed.Format.Duration, 64)
	info.BitRate, _ = strconv.ParseInt(parsed.Format.BitRate, 10, 64)
	for _, s := range parsed.Streams {
		if s.CodecType == "video" {
			info.Width = s.Width
			info.Height = s.Height
			break
		}
	}
	return info, nil
}

// StaticProber returns canned results, keyed by path suffix. Used in tests
// and as a fallback when probing is disabled.
type StaticProber struct {
	ByPath  map[string]*Info
	Default *Info
	Err     error
}

func (s *StaticProber) Probe(_ context.Context, path string) (*Info, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if info, ok := s.ByPath[path]; ok {
		return info, nil
	}
	if s.Default != nil {
		return s.Default, nil
	}
	return &Info{MediaType: "application/octet-stream"}, nil
}
