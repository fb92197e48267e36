package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Conform returns c converted to the given rate and channel count. It
// returns c itself when nothing needs to change.
func Conform(c *Clip, sampleRate, channels int) (*Clip, error) {
	out, err := remix(c, channels)
	if err != nil {
		return nil, err
	}
	if out.SampleRate() == sampleRate {
		return out, nil
	}
	return resample(out, sampleRate)
}

func remix(c *Clip, channels int) (*Clip, error) {
	src := c.Channels()
	if src == channels {
		return c, nil
	}
	frames := c.Frames()
	in := c.Samples()
	switch {
	case channels == 1:
		out := make([]int, frames)
		for f := 0; f < frames; f++ {
			sum := 0
			for ch := 0; ch < src; ch++ {
				sum += in[f*src+ch]
			}
			out[f] = sum / src
		}
		return NewClip(c.SampleRate(), 1, out), nil
	case src == 1:
		out := make([]int, frames*channels)
		for f := 0; f < frames; f++ {
			for ch := 0; ch < channels; ch++ {
				out[f*channels+ch] = in[f]
			}
		}
		return NewClip(c.SampleRate(), channels, out), nil
	}
	return nil, fmt.Errorf("remix: unsupported %d -> %d channels", src, channels)
}

func resample(c *Clip, sampleRate int) (*Clip, error) {
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(c.SampleRate()),
		OutputRate: float64(sampleRate),
		Channels:   c.Channels(),
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	input := make([]float64, len(c.Samples()))
	for i, s := range c.Samples() {
		input[i] = float64(s) / 32768.0
	}
	output, err := r.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}
	output = output[:len(output)-len(output)%c.Channels()]
	samples := make([]int, len(output))
	for i, s := range output {
		switch {
		case s > 1.0:
			samples[i] = 32767
		case s < -1.0:
			samples[i] = -32768
		default:
			samples[i] = int(s * 32767.0)
		}
	}
	return NewClip(sampleRate, c.Channels(), samples), nil
}
