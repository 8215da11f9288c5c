package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Converter converts PCM chunks from a source format to a target format. It
// logs once on the first conversion and validates int16 alignment. Create
// one per stream; not designed for shared use across goroutines.
type Converter struct {
	Source Format
	Target Format

	warnedConvert sync.Once
	warnedCorrupt sync.Once
}

// Convert converts one chunk. When source and target already match the chunk
// is returned unchanged. Misaligned chunks (odd byte count) are dropped with
// a nil return.
func (c *Converter) Convert(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: odd byte count in PCM chunk, dropping",
				"bytes", len(pcm),
				"source", formatString(c.Source),
			)
		})
		return nil
	}
	if c.Source == c.Target {
		return pcm
	}

	c.warnedConvert.Do(func() {
		slog.Debug("audio converter: converting",
			"from", formatString(c.Source),
			"to", formatString(c.Target),
		)
	})

	rate, channels := c.Source.SampleRate, c.Source.Channels

	// Downmix before resampling so resampling runs on half the samples.
	if channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		channels = 1
	}
	if rate != c.Target.SampleRate && channels == 1 {
		pcm = ResampleMono16(pcm, rate, c.Target.SampleRate)
	}
	if channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}
	return pcm
}

// ConvertStream wraps an input channel with a conversion goroutine. The
// returned channel is closed when in closes. Dropped chunks are skipped.
func ConvertStream(in <-chan []byte, source, target Format) <-chan []byte {
	out := make(chan []byte, cap(in))
	go func() {
		defer close(out)
		conv := Converter{Source: source, Target: target}
		for chunk := range in {
			converted := conv.Convert(chunk)
			if len(converted) == 0 {
				continue
			}
			out <- converted
		}
	}()
	return out
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame. Uses int32 arithmetic to
// prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate the input is returned
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interp := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interp)
		out[i*2+1] = byte(interp >> 8)
	}
	return out
}

func formatString(f Format) string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
