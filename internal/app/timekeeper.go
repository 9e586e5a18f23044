package service

import (
	"context"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/domain/hostless"
	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/internal/domain/streams"
	"github.com/okian/tunebuzz/pkg/logger"
)

// timekeeper keeps one response-window timer per active hostless game. It
// is one more timer client; the guarded transition makes it safe alongside
// any timers players run.
func (s *Service) timekeeper(ctx context.Context) {
	defer s.wg.Done()

	log := s.logger.Named("timekeeper")
	active := model.Hostless.Games().Where(model.FieldLifecycle, string(model.Active))
	stream := streams.FromQuery(ctx, s.store, active, func(doc *docstore.Document) (string, error) {
		return doc.Ref.ID, nil
	}, log)
	defer stream.Close()

	timers := make(map[string]*hostless.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for ids := range stream.Updates() {
		live := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			live[id] = struct{}{}
			if _, ok := timers[id]; ok {
				continue
			}
			t := s.hostless.NewTimer(id, hostless.WithTimerLogger(log))
			t.Start(ctx)
			timers[id] = t
			log.Debug(ctx, "timer started", logger.String("game", id))
		}
		for id, t := range timers {
			if _, ok := live[id]; !ok {
				t.Stop()
				delete(timers, id)
				log.Debug(ctx, "timer stopped", logger.String("game", id))
			}
		}
		s.timers.Store(int64(len(timers)))
	}
}
