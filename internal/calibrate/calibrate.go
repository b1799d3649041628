package calibrate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alleneee/digital-human/internal/audio"
	"github.com/alleneee/digital-human/internal/config"
	"github.com/alleneee/digital-human/internal/logger"
)

// Stats summarises per-frame input levels (average magnitude, 0..1)
type Stats struct {
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Avg         float64 `json:"avg"`
	P5          float64 `json:"p5"`
	P95         float64 `json:"p95"`
	SampleCount int     `json:"sample_count"`
}

// Analyze computes level statistics
func Analyze(levels []float64) Stats {
	if len(levels) == 0 {
		return Stats{}
	}

	sorted := append([]float64{}, levels...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	return Stats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Avg:         sum / float64(len(sorted)),
		P5:          percentile(sorted, 0.05),
		P95:         percentile(sorted, 0.95),
		SampleCount: len(sorted),
	}
}

func percentile(sorted []float64, p float64) float64 {
	idx := int(math.Round(p * float64(len(sorted)-1)))
	return sorted[idx]
}

// Recommend returns a low-volume threshold above the background noise with
// a 50% margin, kept below quiet speech when the two are separable
func Recommend(background, speech Stats) float64 {
	threshold := background.P95 * 1.5
	if floor := background.Avg * 2; threshold < floor {
		threshold = floor
	}
	if speech.P5 > background.P95 && threshold >= speech.P5 {
		threshold = (background.P95 + speech.P5) / 2
	}
	return threshold
}

// FrameLevel is the average magnitude of a frame, ignoring padding
func FrameLevel(f audio.Frame) float64 {
	n := len(f.Samples) - f.Padded
	if n <= 0 {
		return 0
	}
	var sum float64
	for _, s := range f.Samples[:n] {
		sum += math.Abs(float64(s)) / 32768
	}
	return sum / float64(n)
}

// Wizard measures background and speech levels on the local microphone and
// recommends audio.low_volume_threshold
type Wizard struct {
	cfg     *config.Config
	backend audio.Backend
	baseLog *logger.Logger
	log     *logger.ContextLogger

	in  *bufio.Scanner
	out io.Writer

	// Duration of each recording step
	StepDuration time.Duration
}

// NewWizard creates a calibration wizard reading answers from in
func NewWizard(cfg *config.Config, backend audio.Backend, in io.Reader, out io.Writer, log *logger.Logger) *Wizard {
	return &Wizard{
		cfg:          cfg,
		backend:      backend,
		baseLog:      log,
		log:          log.With("calibrate"),
		in:           bufio.NewScanner(in),
		out:          out,
		StepDuration: 5 * time.Second,
	}
}

func (w *Wizard) printf(format string, args ...interface{}) {
	fmt.Fprintf(w.out, format, args...)
}

func (w *Wizard) readLine() string {
	if w.in.Scan() {
		return strings.TrimSpace(w.in.Text())
	}
	return ""
}

// Run executes the wizard. configPath is where the threshold is saved;
// autoSave skips the confirmation prompt.
func (w *Wizard) Run(ctx context.Context, configPath string, autoSave bool) (float64, error) {
	w.printf("\n🎤 Microphone Level Calibration\n")
	w.printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

	w.printf("Step 1/3: Background Noise Recording\n")
	w.printf("  Be quiet and don't speak.\n")
	w.printf("  Press Enter when ready...")
	w.readLine()

	w.printf("  Recording for %v...\n", w.StepDuration)
	background, err := w.record(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to record background: %w", err)
	}
	w.printf("  ✓ Done\n\n")

	w.printf("Step 2/3: Speech Recording\n")
	w.printf("  Speak normally into the microphone.\n")
	w.printf("  Press Enter when ready...")
	w.readLine()

	w.printf("  Recording for %v...\n", w.StepDuration)
	speech, err := w.record(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to record speech: %w", err)
	}
	w.printf("  ✓ Done\n\n")

	w.printf("Step 3/3: Analysis\n")
	w.visualizeComparison(background, speech)

	threshold := Recommend(background, speech)
	w.printf("\n  📊 Recommended low volume threshold: %.4f\n", threshold)
	if speech.P5 <= background.P95 {
		w.printf("     ⚠️  Speech and background overlap; check the microphone gain\n")
	}

	save := autoSave
	if !autoSave {
		w.printf("  💾 Save to %s? [Y/n] ", configPath)
		answer := w.readLine()
		save = answer == "" || answer == "Y" || answer == "y"
	}

	if !save {
		w.printf("  ℹ️  Not saved. You can set audio.low_volume_threshold: %.4f manually\n", threshold)
		return threshold, nil
	}

	if err := config.UpdateLowVolumeThreshold(configPath, threshold); err != nil {
		return threshold, fmt.Errorf("failed to save config: %w", err)
	}
	w.printf("  ✓ Config updated successfully!\n\n")
	w.log.Info("Saved low volume threshold %.4f to %s", threshold, configPath)
	return threshold, nil
}

// record captures for StepDuration and returns per-frame level statistics
func (w *Wizard) record(ctx context.Context) (Stats, error) {
	var mu sync.Mutex
	var levels []float64

	session := audio.NewSession(w.backend, audio.Options{
		DeviceName: w.cfg.Audio.DeviceName,
		SampleRate: w.cfg.Audio.SampleRate,
		FrameSize:  w.cfg.Audio.FrameSize / 4, // finer resolution than streaming needs
		Processing: audio.ProcessingInline,
	}, func(f audio.Frame) {
		mu.Lock()
		levels = append(levels, FrameLevel(f))
		mu.Unlock()
	}, w.baseLog)

	if err := session.Start(ctx); err != nil {
		return Stats{}, err
	}

	w.printf("  ")
	deadline := time.NewTimer(w.StepDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-ticker.C:
			w.printf(".")
		case <-deadline.C:
			break wait
		case <-ctx.Done():
			session.Stop()
			return Stats{}, ctx.Err()
		}
	}
	w.printf("\n")

	if err := session.Stop(); err != nil {
		w.log.Warn("Stopping capture: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(levels) == 0 {
		return Stats{}, fmt.Errorf("no audio captured")
	}
	return Analyze(levels), nil
}

func (w *Wizard) visualizeComparison(background, speech Stats) {
	w.printf("  Background Noise:\n")
	w.printf("    Min: %.4f  |  Avg: %.4f  |  Max: %.4f  |  P95: %.4f\n",
		background.Min, background.Avg, background.Max, background.P95)

	w.printf("\n  Speech:\n")
	w.printf("    Min: %.4f  |  Avg: %.4f  |  Max: %.4f  |  P5: %.4f\n",
		speech.Min, speech.Avg, speech.Max, speech.P5)

	maxVal := math.Max(background.Avg, speech.Avg) * 1.2
	if maxVal == 0 {
		maxVal = 1
	}

	w.printf("\n  Visual Comparison (Average Level):\n")
	w.printf("    Background: %s\n", visualBar(int(background.Avg/maxVal*30), 30))
	w.printf("    Speech:     %s\n", visualBar(int(speech.Avg/maxVal*30), 30))
}

func visualBar(filled, total int) string {
	var b strings.Builder
	for i := 0; i < total; i++ {
		if i < filled {
			b.WriteString("█")
		} else {
			b.WriteString("░")
		}
	}
	return b.String()
}
