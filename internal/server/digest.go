package server

import (
	"context"
	"fmt"

	cron "github.com/robfig/cron/v3"

	"github.com/opshub/opshub/internal/events"
	"github.com/opshub/opshub/internal/notify"
)

// notifyLoop forwards bus events to the configured notification providers.
func (s *Server) notifyLoop(ctx context.Context) {
	defer s.wg.Done()
	ch, cancel := s.bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			s.notifier.Notify(ctx, notifyEvent(evt))
		}
	}
}

// notifyEvent maps a bus event onto the notification payload.
func notifyEvent(evt events.Event) notify.Event {
	return notify.Event{
		Type:      notify.EventType(evt.Type),
		ClientID:  evt.ClientID,
		CommandID: evt.CommandID,
		Message:   evt.Message,
		Timestamp: evt.Timestamp,
	}
}

// digestLoop publishes a fleet summary on the configured cron schedule.
func (s *Server) digestLoop(ctx context.Context, sched cron.Schedule) {
	defer s.wg.Done()
	for {
		now := s.clock.Now()
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.clock.After(sched.Next(now).Sub(now)):
			s.publishDigest()
		}
	}
}

func (s *Server) publishDigest() {
	clients, connections := s.registry.Counts()
	pending, completed := s.tracker.Counts()
	s.bus.Publish(events.Event{
		Type:      events.EventDigest,
		Message:   fmt.Sprintf("clients=%d connections=%d pending=%d completed=%d", clients, connections, pending, completed),
		Timestamp: s.clock.Now(),
	})
}
