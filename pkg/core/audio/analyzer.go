package audio

import (
	"math"
	"math/cmplx"
	"sync"
	"time"
)

// AnalyzerConfig configures the frequency-band analyzer.
type AnalyzerConfig struct {
	// Bands is the number of energy bands in each snapshot. Typical: 12-24.
	Bands int `json:"bands"`

	// SampleRate of the incoming PCM in Hz.
	SampleRate int `json:"sample_rate"`

	// FrameInterval is how often snapshots are produced. This stands in for
	// the display refresh the visualizer is tied to.
	FrameInterval time.Duration `json:"frame_interval"`

	// Smoothing is the per-frame exponential smoothing factor, 0..1.
	// Higher values keep more of the previous frame so bands don't flicker.
	Smoothing float64 `json:"smoothing"`

	// IdleLevel is the floor the bands decay toward after Stop, instead of
	// snapping to zero.
	IdleLevel float64 `json:"idle_level"`

	// MinFrequency and MaxFrequency bound the analyzed range. The band
	// edges are spaced logarithmically between them, biasing resolution
	// toward voice-range low frequencies.
	MinFrequency float64 `json:"min_frequency"`
	MaxFrequency float64 `json:"max_frequency"`
}

// DefaultAnalyzerConfig returns an AnalyzerConfig with sensible defaults.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		Bands:         16,
		SampleRate:    24000,
		FrameInterval: 16 * time.Millisecond,
		Smoothing:     0.7,
		IdleLevel:     0.04,
		MinFrequency:  80,
		MaxFrequency:  8000,
	}
}

const analyzerWindow = 512 // FFT window, power of two

// silenceFloor is the frame RMS (about -50 dBFS) below which the spectrum
// is dominated by mic-noise; the analyzer eases toward idle instead of
// amplifying hiss.
const silenceFloor = 0.003

// Analyzer turns a PCM feed into a lazy sequence of normalized [0,1]
// frequency-band energy snapshots. Feed it audio from the capture loop,
// range over Snapshots, and Stop it on teardown. Stopping lets the bands
// decay to the idle level over a short animation before the snapshot
// channel closes, so repeated connect/disconnect cycles leak nothing.
type Analyzer struct {
	config AnalyzerConfig

	mu       sync.Mutex
	window   []float64 // most recent samples, ring of analyzerWindow
	frameRMS float64   // RMS of the most recent Feed
	stopped  bool
	started  bool
	snapshot chan []float64
	done     chan struct{}

	bands     []float64
	bandEdges []int // FFT bin index per band boundary, len Bands+1
	hann      []float64
}

// NewAnalyzer creates an analyzer. Zero config fields fall back to defaults.
func NewAnalyzer(config AnalyzerConfig) *Analyzer {
	def := DefaultAnalyzerConfig()
	if config.Bands <= 0 {
		config.Bands = def.Bands
	}
	if config.SampleRate <= 0 {
		config.SampleRate = def.SampleRate
	}
	if config.FrameInterval <= 0 {
		config.FrameInterval = def.FrameInterval
	}
	if config.Smoothing <= 0 || config.Smoothing >= 1 {
		config.Smoothing = def.Smoothing
	}
	if config.IdleLevel <= 0 {
		config.IdleLevel = def.IdleLevel
	}
	if config.MinFrequency <= 0 {
		config.MinFrequency = def.MinFrequency
	}
	nyquist := float64(config.SampleRate) / 2
	if config.MaxFrequency <= config.MinFrequency || config.MaxFrequency > nyquist {
		config.MaxFrequency = math.Min(def.MaxFrequency, nyquist)
	}

	a := &Analyzer{
		config:   config,
		window:   make([]float64, 0, analyzerWindow),
		snapshot: make(chan []float64, 4),
		done:     make(chan struct{}),
		bands:    make([]float64, config.Bands),
		hann:     hannWindow(analyzerWindow),
	}
	a.bandEdges = logBandEdges(config, analyzerWindow)
	for i := range a.bands {
		a.bands[i] = config.IdleLevel
	}
	return a
}

// Feed appends captured PCM16LE samples to the analysis window. Safe to call
// from the capture loop; frames arriving after Stop are ignored.
func (a *Analyzer) Feed(pcm []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.frameRMS = RMSEnergy(pcm)
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := float64(int16(pcm[i])|int16(pcm[i+1])<<8) / 32768.0
		if len(a.window) == analyzerWindow {
			copy(a.window, a.window[1:])
			a.window[analyzerWindow-1] = sample
		} else {
			a.window = append(a.window, sample)
		}
	}
}

// Snapshots starts the frame timer on first call and returns the snapshot
// channel. Each value is a fresh slice of Bands normalized energies. The
// channel closes once Stop has been called and the decay animation settled.
func (a *Analyzer) Snapshots() <-chan []float64 {
	a.mu.Lock()
	if !a.started {
		a.started = true
		go a.run()
	}
	a.mu.Unlock()
	return a.snapshot
}

// Stop ends analysis. Idempotent.
func (a *Analyzer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true
	close(a.done)
	if !a.started {
		// No frame loop to drain the decay; close immediately.
		close(a.snapshot)
	}
}

func (a *Analyzer) run() {
	ticker := time.NewTicker(a.config.FrameInterval)
	defer ticker.Stop()
	defer close(a.snapshot)

	decaying := false
	for range ticker.C {
		select {
		case <-a.done:
			decaying = true
		default:
		}

		var out []float64
		if decaying {
			settled := true
			a.mu.Lock()
			for i := range a.bands {
				a.bands[i] += (a.config.IdleLevel - a.bands[i]) * 0.25
				if math.Abs(a.bands[i]-a.config.IdleLevel) > 0.005 {
					settled = false
				}
			}
			out = append([]float64(nil), a.bands...)
			a.mu.Unlock()
			a.emit(out)
			if settled {
				return
			}
			continue
		}

		a.mu.Lock()
		out = a.analyzeLocked()
		a.mu.Unlock()
		a.emit(out)
	}
}

func (a *Analyzer) emit(bands []float64) {
	select {
	case a.snapshot <- bands:
	default:
		// Consumer is behind; drop the frame rather than stall capture.
	}
}

// analyzeLocked runs one FFT over the current window and folds the spectrum
// into smoothed log-spaced bands.
func (a *Analyzer) analyzeLocked() []float64 {
	if a.frameRMS < silenceFloor {
		// Silent frame: skip the FFT and ease every band toward idle.
		out := make([]float64, a.config.Bands)
		for b := range a.bands {
			a.bands[b] += (a.config.IdleLevel - a.bands[b]) * (1 - a.config.Smoothing)
			out[b] = a.bands[b]
		}
		return out
	}

	buf := make([]complex128, analyzerWindow)
	for i := 0; i < analyzerWindow; i++ {
		if i < len(a.window) {
			buf[i] = complex(a.window[i]*a.hann[i], 0)
		}
	}
	fft(buf)

	alpha := a.config.Smoothing
	out := make([]float64, a.config.Bands)
	for b := 0; b < a.config.Bands; b++ {
		lo, hi := a.bandEdges[b], a.bandEdges[b+1]
		if hi <= lo {
			hi = lo + 1
		}
		var sum float64
		for k := lo; k < hi && k < analyzerWindow/2; k++ {
			sum += cmplx.Abs(buf[k])
		}
		mag := sum / float64(hi-lo)
		// Perceptual scale, then clamp.
		value := math.Min(1, math.Log1p(mag*24)/math.Log1p(24))
		if value < a.config.IdleLevel {
			value = a.config.IdleLevel
		}
		a.bands[b] = a.bands[b]*alpha + value*(1-alpha)
		out[b] = a.bands[b]
	}
	return out
}

// logBandEdges computes Bands+1 FFT bin boundaries spaced logarithmically
// between MinFrequency and MaxFrequency.
func logBandEdges(config AnalyzerConfig, window int) []int {
	edges := make([]int, config.Bands+1)
	binHz := float64(config.SampleRate) / float64(window)
	ratio := config.MaxFrequency / config.MinFrequency
	for i := 0; i <= config.Bands; i++ {
		freq := config.MinFrequency * math.Pow(ratio, float64(i)/float64(config.Bands))
		edges[i] = int(freq / binHz)
		if edges[i] >= window/2 {
			edges[i] = window/2 - 1
		}
		if i > 0 && edges[i] <= edges[i-1] {
			edges[i] = edges[i-1] + 1
		}
	}
	return edges
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

// fft is an in-place iterative radix-2 Cooley-Tukey transform.
// len(buf) must be a power of two.
func fft(buf []complex128) {
	n := len(buf)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			buf[i], buf[j] = buf[j], buf[i]
		}
	}
	for length := 2; length <= n; length <<= 1 {
		angle := -2 * math.Pi / float64(length)
		wl := cmplx.Rect(1, angle)
		for i := 0; i < n; i += length {
			w := complex(1, 0)
			for j := 0; j < length/2; j++ {
				u := buf[i+j]
				v := buf[i+j+length/2] * w
				buf[i+j] = u + v
				buf[i+j+length/2] = u - v
				w *= wl
			}
		}
	}
}
