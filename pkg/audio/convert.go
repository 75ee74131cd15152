package audio

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Format describes the PCM layout a consumer expects.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a compact description such as "16000Hz/1ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// Converter rewrites 16-bit little-endian PCM frames into a fixed target
// [Format]. Stereo input is downmixed to mono by averaging, mono input is
// duplicated to stereo, and the sample rate is changed by linear
// interpolation. The zero value is not usable; create one with [NewConverter].
type Converter struct {
	target Format
}

// NewConverter returns a converter for the given target format. It returns an
// error if the format is not 16-bit mono or stereo at a positive rate.
func NewConverter(target Format) (*Converter, error) {
	if target.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid target sample rate %d", target.SampleRate)
	}
	if target.Channels != 1 && target.Channels != 2 {
		return nil, fmt.Errorf("audio: unsupported target channel count %d", target.Channels)
	}
	return &Converter{target: target}, nil
}

// Target returns the format frames are converted to.
func (c *Converter) Target() Format { return c.target }

// Convert returns frame in the target format. Frames already in the target
// format, or with an unknown format, are returned unchanged. A trailing odd
// byte is dropped.
func (c *Converter) Convert(frame AudioFrame) AudioFrame {
	if frame.SampleRate <= 0 || frame.Channels <= 0 {
		return frame
	}
	if frame.SampleRate == c.target.SampleRate && frame.Channels == c.target.Channels {
		return frame
	}

	samples := decode(frame.Data)
	channels := frame.Channels
	switch {
	case channels == 2 && c.target.Channels == 1:
		samples = downmix(samples)
		channels = 1
	case channels == 1 && c.target.Channels == 2:
		samples = upmix(samples)
		channels = 2
	}
	if frame.SampleRate != c.target.SampleRate {
		samples = resample(samples, channels, frame.SampleRate, c.target.SampleRate)
	}

	return AudioFrame{
		Data:       encode(samples),
		SampleRate: c.target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// ConvertSink wraps dst so that every frame played to it is converted first.
func (c *Converter) ConvertSink(dst Sink) Sink {
	return SinkFunc(func(ctx context.Context, f AudioFrame) error {
		return dst.Play(ctx, c.Convert(f))
	})
}

// convertBuffer is the number of converted frames buffered by ConvertSource.
const convertBuffer = 16

// ConvertSource wraps src so that every frame it yields is converted. The
// returned source closes once src is exhausted or ctx is done, whichever
// comes first; frames not yet consumed at that point are dropped.
func (c *Converter) ConvertSource(ctx context.Context, src Source) Source {
	out := make(chan AudioFrame, convertBuffer)
	go func() {
		defer close(out)
		for f := range src.Frames() {
			select {
			case out <- c.Convert(f):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ChanSource(out)
}

func decode(b []byte) []int16 {
	s := make([]int16, len(b)/2)
	for i := range s {
		s[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return s
}

func encode(s []int16) []byte {
	b := make([]byte, 2*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	return b
}

func downmix(s []int16) []int16 {
	out := make([]int16, len(s)/2)
	for i := range out {
		out[i] = int16((int32(s[2*i]) + int32(s[2*i+1])) / 2)
	}
	return out
}

func upmix(s []int16) []int16 {
	out := make([]int16, 2*len(s))
	for i, v := range s {
		out[2*i], out[2*i+1] = v, v
	}
	return out
}

// resample changes the rate of interleaved samples by linear interpolation,
// treating each channel independently.
func resample(s []int16, channels, from, to int) []int16 {
	in := len(s) / channels
	if in == 0 {
		return nil
	}
	n := int(int64(in) * int64(to) / int64(from))
	out := make([]int16, n*channels)
	for i := range n {
		pos := float64(i) * float64(from) / float64(to)
		j := int(pos)
		frac := pos - float64(j)
		k := min(j+1, in-1)
		for ch := range channels {
			a := float64(s[j*channels+ch])
			b := float64(s[k*channels+ch])
			out[i*channels+ch] = int16(a + (b-a)*frac)
		}
	}
	return out
}
