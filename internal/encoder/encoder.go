// Package encoder wraps the ffmpeg/ffprobe binaries to transcode a
// source audio file into one HLS rendition at a target bitrate,
// reporting coarse percentage progress as it runs.
package encoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/chapterstream/transcoder/internal/apierrors"
)

// Options configures one transcode invocation.
type Options struct {
	InputPath       string
	OutputDir       string
	Bitrate         int // kbps
	SegmentDuration int // seconds
}

// Encoder drives ffmpeg/ffprobe for a single bitrate rendition at a time.
// Each invocation spawns an isolated subprocess; Encoder holds no
// per-job state.
type Encoder struct {
	ffmpegPath  string
	ffprobePath string
}

// New resolves ffmpegPath/ffprobePath, falling back to PATH lookup when
// either is empty.
func New(ffmpegPath, ffprobePath string) (*Encoder, error) {
	if ffmpegPath == "" {
		path, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found: %w", err)
		}
		ffmpegPath = path
	}
	if ffprobePath == "" {
		path, err := exec.LookPath("ffprobe")
		if err != nil {
			return nil, fmt.Errorf("ffprobe not found: %w", err)
		}
		ffprobePath = path
	}
	return &Encoder{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}, nil
}

// ProgressFunc receives a coarse percentage (0-100) as ffmpeg reports
// elapsed encode time.
type ProgressFunc func(percent int)

// Transcode runs ffmpeg against opts, emitting AAC/stereo/44100Hz HLS
// output with independent segments, and reports progress via onProgress.
// It returns the path to the written playlist.
func (e *Encoder) Transcode(ctx context.Context, opts Options, onProgress ProgressFunc) (string, error) {
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	durationMs, err := e.sourceDurationMs(ctx, opts.InputPath)
	if err != nil {
		durationMs = 0
	}

	playlistPath := filepath.Join(opts.OutputDir, "playlist.m3u8")
	segmentPattern := filepath.Join(opts.OutputDir, "segment_%03d.ts")

	args := []string{
		"-y",
		"-i", opts.InputPath,
		"-vn",
		"-c:a", "aac",
		"-ac", "2",
		"-ar", "44100",
		"-b:a", strconv.Itoa(opts.Bitrate) + "k",
		"-f", "hls",
		"-hls_time", strconv.Itoa(opts.SegmentDuration),
		"-hls_list_size", "0",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", segmentPattern,
		playlistPath,
	}

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", apierrors.EncoderFailuref(err, "create stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return "", apierrors.EncoderFailuref(err, "start ffmpeg")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		parseProgress(stderr, durationMs, onProgress)
	}()

	waitErr := cmd.Wait()
	<-done

	if waitErr != nil {
		if ctx.Err() != nil {
			return "", apierrors.EncoderFailuref(ctx.Err(), "ffmpeg timed out")
		}
		return "", apierrors.EncoderFailuref(waitErr, "ffmpeg failed")
	}

	if _, err := os.Stat(playlistPath); err != nil {
		return "", apierrors.EncoderFailuref(err, "HLS playlist not created")
	}

	return playlistPath, nil
}

var timeRegex = regexp.MustCompile(`time=(\d+):(\d+):(\d+)\.(\d+)`)

// parseProgress scans ffmpeg's stderr for "time=HH:MM:SS.ms" lines and
// reports percentage in 5-point increments, matching the spec's "coarse
// percentage update" requirement. When the source duration is unknown it
// reports elapsed whole seconds instead; either value is capped at 100.
func parseProgress(stderr io.Reader, durationMs int64, onProgress ProgressFunc) {
	if onProgress == nil {
		// Drain stderr so ffmpeg does not block on a full pipe buffer.
		io.Copy(io.Discard, stderr)
		return
	}

	scanner := bufio.NewScanner(stderr)
	lastProgress := -1
	for scanner.Scan() {
		matches := timeRegex.FindStringSubmatch(scanner.Text())
		if len(matches) < 5 {
			continue
		}

		hours, _ := strconv.Atoi(matches[1])
		mins, _ := strconv.Atoi(matches[2])
		secs, _ := strconv.Atoi(matches[3])
		currentMs := int64((hours*3600+mins*60+secs) * 1000)

		var progress int
		if durationMs > 0 {
			progress = int(currentMs * 100 / durationMs)
		} else {
			progress = int(currentMs / 1000)
		}
		if progress > 100 {
			progress = 100
		}

		if progress-lastProgress >= 5 || progress == 100 {
			lastProgress = progress
			onProgress(progress)
		}
	}
}

// ProbeCodec reports the audio codec name of path's first audio stream,
// e.g. "aac", "mp3", "ac-4".
func (e *Encoder) ProbeCodec(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, e.ffprobePath,
		"-v", "quiet",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_name",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	codec := strings.TrimSpace(string(output))
	if codec == "" {
		return "", fmt.Errorf("no audio stream found in %s", path)
	}
	return codec, nil
}

// decoderListLine matches an ffmpeg "-decoders" audio decoder row, e.g.
// " A....D aac   AAC (Advanced Audio Coding)".
var decoderListLine = regexp.MustCompile(`(?m)^\s*A[\.F][\.SL][\.XD][\.DI][\.DA]\s+(\S+)`)

// CanDecode reports whether ffmpeg has a decoder registered for codec.
// Some codecs (e.g. AC-4) are proprietary and ffmpeg ships no decoder for
// them; retrying a transcode against one would fail identically every
// time, so callers should treat a false result as a permanent failure
// rather than a transient one. If the decoder list itself cannot be
// read, CanDecode optimistically returns true so a real transcode attempt
// produces the definitive answer.
func (e *Encoder) CanDecode(ctx context.Context, codec string) bool {
	cmd := exec.CommandContext(ctx, e.ffmpegPath, "-decoders")
	output, err := cmd.Output()
	if err != nil {
		return true
	}

	normalized := strings.ReplaceAll(strings.ToLower(codec), "-", "")
	for _, match := range decoderListLine.FindAllStringSubmatch(string(output), -1) {
		if strings.ReplaceAll(strings.ToLower(match[1]), "-", "") == normalized {
			return true
		}
	}
	return false
}

// sourceDurationMs probes opts' input for duration, used to turn elapsed
// encode time into a percentage.
func (e *Encoder) sourceDurationMs(ctx context.Context, path string) (int64, error) {
	cmd := exec.CommandContext(ctx, e.ffprobePath,
		"-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, err
	}
	return int64(seconds * 1000), nil
}

