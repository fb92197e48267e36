package audio

import (
	"fmt"
	"strings"
)

// Format identifies how a block of audio bytes is encoded.
type Format string

const (
	// FormatPCM16 is raw interleaved little-endian signed 16-bit samples.
	FormatPCM16 Format = "pcm16"
	FormatWAV   Format = "wav"
	FormatMP3   Format = "mp3"
)

// ParseFormat accepts the container names used in config and job requests.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pcm16", "pcm", "l16":
		return FormatPCM16, nil
	case "wav", "wave":
		return FormatWAV, nil
	case "mp3", "mpeg":
		return FormatMP3, nil
	}
	return "", fmt.Errorf("unsupported audio format %q", s)
}

// MIME returns the kind reported to callers alongside a finished file.
func (f Format) MIME() string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mp3"
	default:
		return "audio/L16"
	}
}

// Ext returns the file extension including the dot.
func (f Format) Ext() string {
	switch f {
	case FormatWAV:
		return ".wav"
	case FormatMP3:
		return ".mp3"
	default:
		return ".pcm"
	}
}
