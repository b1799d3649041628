package calibrate

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alleneee/digital-human/internal/audio"
	"github.com/alleneee/digital-human/internal/config"
	"github.com/alleneee/digital-human/internal/logger"
)

func TestAnalyze(t *testing.T) {
	levels := make([]float64, 0, 101)
	for i := 100; i >= 0; i-- {
		levels = append(levels, float64(i)/100)
	}

	s := Analyze(levels)
	if s.Min != 0 || s.Max != 1 {
		t.Errorf("Unexpected bounds %+v", s)
	}
	if math.Abs(s.Avg-0.5) > 1e-9 {
		t.Errorf("Expected avg 0.5, got %f", s.Avg)
	}
	if math.Abs(s.P5-0.05) > 1e-9 || math.Abs(s.P95-0.95) > 1e-9 {
		t.Errorf("Unexpected percentiles p5=%f p95=%f", s.P5, s.P95)
	}
	if s.SampleCount != 101 {
		t.Errorf("Expected 101 samples, got %d", s.SampleCount)
	}
	if levels[0] != 1 {
		t.Error("Analyze must not reorder the input")
	}
}

func TestAnalyzeEmpty(t *testing.T) {
	if s := Analyze(nil); s != (Stats{}) {
		t.Errorf("Expected zero stats, got %+v", s)
	}
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		name       string
		background Stats
		speech     Stats
		want       float64
	}{
		{
			name:       "margin above background",
			background: Stats{Avg: 0.002, P95: 0.004},
			speech:     Stats{P5: 0.05},
			want:       0.006,
		},
		{
			name:       "floor at twice the average",
			background: Stats{Avg: 0.004, P95: 0.005},
			speech:     Stats{P5: 0.05},
			want:       0.008,
		},
		{
			name:       "kept below quiet speech",
			background: Stats{Avg: 0.01, P95: 0.02},
			speech:     Stats{P5: 0.025},
			want:       0.0225,
		},
		{
			name:       "overlapping speech ignored",
			background: Stats{Avg: 0.01, P95: 0.02},
			speech:     Stats{P5: 0.015},
			want:       0.03,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Recommend(tt.background, tt.speech)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Recommend() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestFrameLevelIgnoresPadding(t *testing.T) {
	f := audio.Frame{Samples: []int16{16384, -16384, 0, 0}, Padded: 2}
	if got := FrameLevel(f); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("Expected 0.5, got %f", got)
	}
	if got := FrameLevel(audio.Frame{Samples: []int16{0, 0}, Padded: 2}); got != 0 {
		t.Errorf("All-padding frame should be silent, got %f", got)
	}
}

func TestVisualBar(t *testing.T) {
	if got := visualBar(2, 4); got != "██░░" {
		t.Errorf("Unexpected bar %q", got)
	}
}

// toneDevice produces a constant amplitude until stopped
type toneDevice struct {
	amp    float32
	onData audio.DataFunc

	stop chan struct{}
	done chan struct{}
}

func (d *toneDevice) Start() error {
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		block := make([]float32, 256)
		for i := range block {
			if i%2 == 0 {
				block[i] = d.amp
			} else {
				block[i] = -d.amp
			}
		}
		for {
			select {
			case <-d.stop:
				return
			default:
			}
			d.onData(block)
			time.Sleep(time.Millisecond)
		}
	}()
	return nil
}

func (d *toneDevice) Stop() error {
	if d.stop != nil {
		close(d.stop)
		<-d.done
		d.stop = nil
	}
	return nil
}

func (d *toneDevice) Close() error    { return nil }
func (d *toneDevice) SampleRate() int { return audio.TargetSampleRate }

// stepBackend opens a quiet device first and a loud one second
type stepBackend struct {
	mu     sync.Mutex
	amps   []float32
	opened int
}

func (b *stepBackend) Support() audio.Support { return audio.Support{Worker: true, Inline: true} }

func (b *stepBackend) Open(ctx context.Context, cfg audio.DeviceConfig, onData audio.DataFunc) (audio.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	amp := b.amps[b.opened%len(b.amps)]
	b.opened++
	return &toneDevice{amp: amp, onData: onData}, nil
}

func newTestWizard(t *testing.T, answers string) (*Wizard, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	out := &bytes.Buffer{}
	w := NewWizard(cfg, &stepBackend{amps: []float32{0.004, 0.2}}, strings.NewReader(answers), out, logger.NewNop())
	w.StepDuration = 100 * time.Millisecond
	return w, out
}

func TestWizardAutoSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("audio:\n  device_name: mic\n"), 0644); err != nil {
		t.Fatal(err)
	}

	w, _ := newTestWizard(t, "\n\n")
	threshold, err := w.Run(context.Background(), path, true)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if threshold <= 0.004 || threshold >= 0.2 {
		t.Errorf("Threshold %f should fall between background and speech", threshold)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if math.Abs(cfg.Audio.LowVolumeThreshold-threshold) > 1e-9 {
		t.Errorf("Saved threshold %f, expected %f", cfg.Audio.LowVolumeThreshold, threshold)
	}
	if cfg.Audio.DeviceName != "mic" {
		t.Errorf("Other keys should survive, got device %q", cfg.Audio.DeviceName)
	}
}

func TestWizardDeclinedSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	original := []byte("audio:\n  low_volume_threshold: 0.5\n")
	if err := os.WriteFile(path, original, 0644); err != nil {
		t.Fatal(err)
	}

	w, out := newTestWizard(t, "\n\nn\n")
	if _, err := w.Run(context.Background(), path, false); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, original) {
		t.Errorf("Config should be untouched, got %q", data)
	}
	if !strings.Contains(out.String(), "Not saved") {
		t.Errorf("Expected a not-saved notice, got:\n%s", out.String())
	}
}
