package main

import (
	"context"
	"sync"
	"time"

	"github.com/alleneee/digital-human/internal/api"
	"github.com/alleneee/digital-human/internal/audio"
	"github.com/alleneee/digital-human/internal/channel"
	"github.com/alleneee/digital-human/internal/conversation"
	"github.com/alleneee/digital-human/internal/debuglog"
	"github.com/alleneee/digital-human/internal/logger"
	"github.com/alleneee/digital-human/internal/protocol"
	"github.com/alleneee/digital-human/internal/sink"
)

// controller implements api.Controller on top of the channel, the
// conversation state and the recorder
type controller struct {
	manager  *channel.Manager
	conv     *conversation.State
	session  *audio.Session
	recorder *sink.Recorder
	dlog     *debuglog.Logger
	logger   *logger.ContextLogger

	mu           sync.Mutex
	recordingAt  time.Time
	recordingVia string
}

func (c *controller) StartRecording(ctx context.Context) error {
	if err := c.recorder.Start(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.recordingAt = time.Now()
	c.recordingVia = c.recorder.Active()
	c.mu.Unlock()
	return nil
}

func (c *controller) StopRecording() error {
	err := c.recorder.Stop()

	c.mu.Lock()
	started, via := c.recordingAt, c.recordingVia
	c.recordingAt = time.Time{}
	c.mu.Unlock()

	if !started.IsZero() && c.dlog != nil {
		if lerr := c.dlog.LogSession(via, time.Since(started)); lerr != nil {
			c.logger.Warn("Failed to write debug log: %v", lerr)
		}
	}
	return err
}

func (c *controller) SendText(text string) bool {
	c.conv.UserText(text)
	sent := c.manager.Send(protocol.NewTextInput(text))
	if !sent {
		c.logger.Info("Channel offline, message queued (%d pending)", c.manager.Pending())
	}
	if c.dlog != nil {
		if err := c.dlog.LogUserText(text, !sent); err != nil {
			c.logger.Warn("Failed to write debug log: %v", err)
		}
	}
	return sent
}

func (c *controller) StopTalking() bool {
	return c.manager.Send(protocol.NewStopTalking())
}

func (c *controller) Reconnect(reset bool) {
	if reset {
		c.manager.Reset()
		return
	}
	c.manager.Restart()
}

func (c *controller) Status() api.Status {
	return api.Status{
		Channel:      c.manager.State(),
		Stats:        c.manager.Stats(),
		Pending:      c.manager.Pending(),
		Recording:    c.session.Recording(),
		Sink:         c.recorder.Active(),
		Audio:        c.session.Status(),
		Conversation: c.conv.Snapshot(),
	}
}

// channelEvent is the JSON shape of a channel transition on /events
type channelEvent struct {
	From     channel.State `json:"from"`
	To       channel.State `json:"to"`
	Attempt  int           `json:"attempt,omitempty"`
	DelayMs  int64         `json:"delay_ms,omitempty"`
	Replayed int           `json:"replayed,omitempty"`
	Notify   bool          `json:"notify,omitempty"`
	Error    string        `json:"error,omitempty"`
}

func newChannelEvent(ev channel.Event) channelEvent {
	out := channelEvent{
		From:     ev.From,
		To:       ev.To,
		Attempt:  ev.Attempt,
		DelayMs:  ev.Delay.Milliseconds(),
		Replayed: ev.Replayed,
		Notify:   ev.Notify,
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return out
}
