package client

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"facegate/internal/capture"
	"facegate/models"
)

var (
	progressUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facegate_progress_updates_total",
		Help: "Stage updates received on the progress socket",
	}, []string{"stage", "delivered"})

	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facegate_progress_reconnects_total",
		Help: "Successful progress socket reconnections",
	})
)

// ============================================================
// SUBSCRIPTIONS
// ============================================================

// Subscribe returns the stage events pushed for identifier. The returned
// func unsubscribes; the channel is never closed by the client.
func (c *ProgressClient) Subscribe(identifier string) (<-chan capture.StageEvent, func()) {
	ch := make(chan capture.StageEvent, subscriberBuffer)

	c.subsMu.Lock()
	c.nextSub++
	id := c.nextSub
	if c.subs[identifier] == nil {
		c.subs[identifier] = make(map[uint64]chan capture.StageEvent)
	}
	c.subs[identifier][id] = ch
	c.subsMu.Unlock()

	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		delete(c.subs[identifier], id)
		if len(c.subs[identifier]) == 0 {
			delete(c.subs, identifier)
		}
	}
}

// ============================================================
// DISPATCH
// ============================================================

func (c *ProgressClient) dispatch(upd ProgressUpdate) {
	if upd.Type != models.ProgressTypeProgress || upd.Identifier == "" {
		return
	}
	ev, ok := stageEvent(upd)
	if !ok {
		c.log.Debug().Str("stage", upd.Stage).Msg("⚠️ Unknown progress stage")
		return
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	subs := c.subs[upd.Identifier]
	if len(subs) == 0 {
		progressUpdates.WithLabelValues(upd.Stage, "false").Inc()
		return
	}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			c.log.Warn().Str("identifier", upd.Identifier).Msg("⚠️ Subscriber full, stage dropped")
		}
	}
	progressUpdates.WithLabelValues(upd.Stage, "true").Inc()
	c.log.Debug().Str("identifier", upd.Identifier).Str("stage", upd.Stage).Msg("📥 Stage update")
}

func stageEvent(upd ProgressUpdate) (capture.StageEvent, bool) {
	switch upd.Stage {
	case string(capture.StageProcessed):
		return capture.StageEvent{Stage: capture.StageProcessed}, true
	case string(capture.StageTrained):
		return capture.StageEvent{Stage: capture.StageTrained, Final: true}, true
	case models.ProgressStageFailed:
		msg := upd.Message
		if msg == "" {
			msg = "processing failed"
		}
		return capture.StageEvent{Err: errors.New(msg)}, true
	}
	return capture.StageEvent{}, false
}
