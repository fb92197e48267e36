package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// PCMInfo describes raw PCM16 input, which carries no header.
type PCMInfo struct {
	SampleRate int
	Channels   int
}

// Decode turns encoded audio into a Clip. info is only consulted for FormatPCM16.
func Decode(data []byte, format Format, info PCMInfo) (*Clip, error) {
	switch format {
	case FormatPCM16:
		return decodePCM16(data, info)
	case FormatWAV:
		return decodeWAV(data)
	case FormatMP3:
		return decodeMP3(data)
	}
	return nil, fmt.Errorf("decode: unsupported format %q", format)
}

func decodePCM16(data []byte, info PCMInfo) (*Clip, error) {
	if info.SampleRate <= 0 || info.Channels <= 0 {
		return nil, errors.New("pcm16: sample rate and channels required")
	}
	if len(data)%(2*info.Channels) != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(data)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	return NewClip(info.SampleRate, info.Channels, samples), nil
}

func decodeWAV(data []byte) (*Clip, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errors.New("wav: invalid file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wav: %w", err)
	}
	depth := int(dec.BitDepth)
	samples := buf.Data
	switch {
	case depth == 8:
		for i, v := range samples {
			samples[i] = (v - 128) << 8
		}
	case depth > BitDepth:
		shift := uint(depth - BitDepth)
		for i, v := range samples {
			samples[i] = v >> shift
		}
	}
	return NewClip(int(dec.SampleRate), int(dec.NumChans), samples), nil
}

// go-mp3 always yields interleaved stereo 16-bit little-endian samples.
func decodeMP3(data []byte) (*Clip, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("mp3: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("mp3: %w", err)
	}
	raw = raw[:len(raw)-len(raw)%4]
	return decodePCM16(raw, PCMInfo{SampleRate: dec.SampleRate(), Channels: 2})
}
