package providers

import (
	"github.com/samber/do/v2"

	"github.com/chapterstream/transcoder/internal/config"
	"github.com/chapterstream/transcoder/internal/encoder"
)

// ProvideEncoder provides the ffmpeg/ffprobe-backed media encoder.
func ProvideEncoder(i do.Injector) (*encoder.Encoder, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return encoder.New(cfg.Encoder.FFmpegPath, cfg.Encoder.FFprobePath)
}
