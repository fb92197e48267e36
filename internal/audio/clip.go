// Package audio decodes synthesized segments into PCM clips, joins them and
// exports the result as WAV or MP3.
package audio

import (
	"fmt"
	"time"

	goaudio "github.com/go-audio/audio"
)

// BitDepth of every Clip. Decoders convert other depths on the way in.
const BitDepth = 16

// Clip is a decoded block of interleaved 16-bit PCM.
type Clip struct {
	buf *goaudio.IntBuffer
}

// NewClip wraps interleaved samples. The slice is not copied.
func NewClip(sampleRate, channels int, samples []int) *Clip {
	return &Clip{buf: &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: BitDepth,
	}}
}

// Silence returns a zeroed clip of duration d.
func Silence(d time.Duration, sampleRate, channels int) *Clip {
	frames := int(d * time.Duration(sampleRate) / time.Second)
	if frames < 0 {
		frames = 0
	}
	return NewClip(sampleRate, channels, make([]int, frames*channels))
}

func (c *Clip) SampleRate() int { return c.buf.Format.SampleRate }
func (c *Clip) Channels() int   { return c.buf.Format.NumChannels }
func (c *Clip) Samples() []int  { return c.buf.Data }

// Buffer exposes the clip as a go-audio buffer for encoders.
func (c *Clip) Buffer() *goaudio.IntBuffer { return c.buf }

// Frames is the number of samples per channel.
func (c *Clip) Frames() int {
	if c.Channels() == 0 {
		return 0
	}
	return len(c.buf.Data) / c.Channels()
}

func (c *Clip) Duration() time.Duration {
	if c.SampleRate() == 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate())
}

// Append adds other to the end of c. Both clips must share rate and channels.
func (c *Clip) Append(other *Clip) error {
	if other.SampleRate() != c.SampleRate() || other.Channels() != c.Channels() {
		return fmt.Errorf("clip format mismatch: %dHz/%dch vs %dHz/%dch",
			c.SampleRate(), c.Channels(), other.SampleRate(), other.Channels())
	}
	c.buf.Data = append(c.buf.Data, other.buf.Data...)
	return nil
}
