package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/alleneee/digital-human/internal/channel"
	"github.com/alleneee/digital-human/internal/logger"
	"github.com/alleneee/digital-human/internal/protocol"
	"github.com/alleneee/digital-human/internal/router"
)

func TestThinkingThenReplyTogglesLoading(t *testing.T) {
	log := logger.NewNop()
	r := router.New(nil, log)
	conv := New(0, log)
	conv.Register(r)

	updates := make(chan Update, 8)
	conv.Subscribe(func(u Update) { updates <- u })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	conv.UserText("hello")
	r.Enqueue(channel.Frame{Data: []byte(`{"type":"thinking"}`)})
	r.Enqueue(channel.Frame{Data: []byte(`{"type":"bot_reply","text":"hi there"}`)})

	first := next(t, updates)
	if first.Kind != protocol.KindThinking || !first.Loading {
		t.Fatalf("Expected thinking with loading=true, got %+v", first)
	}
	second := next(t, updates)
	if second.Kind != protocol.KindBotReply || second.Loading || second.Text != "hi there" {
		t.Fatalf("Expected bot_reply with loading=false, got %+v", second)
	}

	snap := conv.Snapshot()
	if len(snap.History) != 2 || snap.History[0].Role != RoleUser || snap.History[1].Role != RoleAssistant {
		t.Errorf("Unexpected history: %+v", snap.History)
	}
}

func TestErrorClearsLoading(t *testing.T) {
	conv := New(0, logger.NewNop())

	conv.Apply(&protocol.Message{Type: protocol.KindThinking})
	conv.Apply(&protocol.Message{Type: protocol.KindError, Message: "llm unavailable"})

	snap := conv.Snapshot()
	if snap.Loading {
		t.Error("Error should clear loading")
	}
	if snap.LastError != "llm unavailable" {
		t.Errorf("Unexpected last error %q", snap.LastError)
	}
}

func TestTranscriptionNormalised(t *testing.T) {
	conv := New(0, logger.NewNop())

	var kinds []protocol.Kind
	conv.Subscribe(func(u Update) { kinds = append(kinds, u.Kind) })

	conv.Apply(&protocol.Message{Type: protocol.KindTranscription, Text: "hel"})
	if p := conv.Snapshot().Partial; p != "hel" {
		t.Errorf("Expected partial %q, got %q", "hel", p)
	}
	conv.Apply(&protocol.Message{Type: protocol.KindTranscription, Text: "hello", Final: true})

	snap := conv.Snapshot()
	if snap.Partial != "" {
		t.Errorf("Final transcript should clear the partial, got %q", snap.Partial)
	}
	if len(snap.History) != 1 || !snap.History[0].Voice || snap.History[0].Text != "hello" {
		t.Errorf("Unexpected history: %+v", snap.History)
	}
	if len(kinds) != 2 || kinds[0] != protocol.KindTranscriptionPartial || kinds[1] != protocol.KindTranscriptionFinal {
		t.Errorf("Unexpected update kinds: %v", kinds)
	}
}

func TestVideoLifecycle(t *testing.T) {
	conv := New(0, logger.NewNop())

	conv.Apply(&protocol.Message{Type: protocol.KindGeneratingVideo})
	if !conv.Snapshot().GeneratingVideo {
		t.Fatal("Expected generating flag")
	}
	conv.Apply(&protocol.Message{Type: protocol.KindVideoReady, URL: "http://localhost/v.mp4"})

	snap := conv.Snapshot()
	if snap.GeneratingVideo || snap.VideoURL != "http://localhost/v.mp4" {
		t.Errorf("Unexpected video state: %+v", snap)
	}
}

func TestHistoryBounded(t *testing.T) {
	conv := New(3, logger.NewNop())
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		conv.UserText(s)
	}

	h := conv.Snapshot().History
	if len(h) != 3 || h[0].Text != "c" || h[2].Text != "e" {
		t.Errorf("Expected last three turns, got %+v", h)
	}
}

func TestWebRTCSupportRecorded(t *testing.T) {
	conv := New(0, logger.NewNop())
	yes := true
	conv.Apply(&protocol.Message{Type: protocol.KindWebRTCSupport, Supported: &yes})

	snap := conv.Snapshot()
	if snap.WebRTCSupported == nil || !*snap.WebRTCSupported {
		t.Errorf("Expected webrtc support recorded, got %+v", snap.WebRTCSupported)
	}
}

func next(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for update")
		return Update{}
	}
}
