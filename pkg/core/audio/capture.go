// Package audio provides the microphone capture contract and the
// frequency-band analyzer that drives the live visualizer. Everything here
// is local; no network.
package audio

import (
	"context"
	"math"
)

// Capture is a source of PCM16 little-endian mono audio. Acquiring one fails
// with core.ErrPermissionDenied when the user refuses microphone access and
// core.ErrDeviceUnavailable when no usable device exists; the concrete
// implementation lives with the host (console, embed) because the platform
// media API does.
type Capture interface {
	// ReadFrame returns the next chunk of PCM. It blocks until audio is
	// available, ctx is done, or the capture is closed (io.EOF).
	ReadFrame(ctx context.Context) ([]byte, error)

	// Close stops the device and releases it. Safe to call twice.
	Close() error
}

// RMSEnergy computes the root-mean-square level of a PCM16LE frame,
// normalized to [0, 1]. The analyzer uses it as a silence gate.
func RMSEnergy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[2*i])|int16(pcm[2*i+1])<<8) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// PeakAmplitude returns the loudest absolute sample in a PCM16LE frame,
// normalized to [0, 1]. A peak at 1.0 means the input is clipping.
func PeakAmplitude(pcm []byte) float64 {
	var peak float64
	for i := 0; i+1 < len(pcm); i += 2 {
		if abs := math.Abs(float64(int16(pcm[i]) | int16(pcm[i+1])<<8)); abs > peak {
			peak = abs
		}
	}
	return peak / 32768.0
}
