package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/tunebuzz/internal/adapters/docstore/memstore"
	service "github.com/okian/tunebuzz/internal/app"
	"github.com/okian/tunebuzz/internal/config"
	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

func TestService_New(t *testing.T) {
	Convey("Given a new service with no config", t, func() {
		svc := service.New(nil)

		Convey("Then it is stopped with nothing built", func() {
			So(svc, ShouldNotBeNil)
			So(svc.GetStats()["started"], ShouldBeFalse)
			So(svc.GetStats()["backend"], ShouldEqual, config.BackendMemory)
			So(svc.Hosted(), ShouldBeNil)

			_, err := svc.Store()
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
		})

		Convey("Then stopping it is a no-op", func() {
			So(svc.Stop(context.Background()), ShouldBeNil)
		})
	})
}

func TestService_StartStop(t *testing.T) {
	Convey("Given a service on the memory backend", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc := service.New(config.New())

		So(svc.Start(ctx), ShouldBeNil)
		defer func() { _ = svc.Stop(ctx) }()

		Convey("Then every component is available", func() {
			So(svc.Hosted(), ShouldNotBeNil)
			So(svc.Hostless(), ShouldNotBeNil)
			So(svc.Directory(), ShouldNotBeNil)
			store, err := svc.Store()
			So(err, ShouldBeNil)
			So(store, ShouldNotBeNil)
		})

		Convey("Then starting again is a no-op", func() {
			So(svc.Start(ctx), ShouldBeNil)
		})

		Convey("When a hosted game is created", func() {
			g, err := svc.Hosted().Create(ctx, "host-1", "Quizmaster")
			So(err, ShouldBeNil)

			Convey("Then the directory resolves its join code", func() {
				found, err := svc.Directory().Resolve(ctx, model.Hosted, g.JoinCode)
				So(err, ShouldBeNil)
				So(found.ID, ShouldEqual, g.ID)
			})

			Convey("Then stats report the running service", func() {
				stats := svc.GetStats()
				So(stats["started"], ShouldBeTrue)
				So(stats["backend"], ShouldEqual, config.BackendMemory)
				So(stats["documents"], ShouldBeGreaterThan, 0)
				So(stats, ShouldContainKey, "queueLength")
				So(stats, ShouldContainKey, "activeWatches")
			})
		})

		Convey("When stopped", func() {
			So(svc.Stop(ctx), ShouldBeNil)

			Convey("Then it reports stopped and a second stop is harmless", func() {
				So(svc.GetStats()["started"], ShouldBeFalse)
				So(svc.Stop(ctx), ShouldBeNil)
			})
		})
	})
}

func TestService_Backends(t *testing.T) {
	Convey("Given a service on the sqlite backend", t, func() {
		ctx := context.Background()
		cfg := config.New()
		cfg.StoreBackend = config.BackendSQLite
		cfg.StoreDSN = filepath.Join(t.TempDir(), "tunebuzz.db")
		svc := service.New(cfg)

		So(svc.Start(ctx), ShouldBeNil)
		defer func() { _ = svc.Stop(ctx) }()

		Convey("Then games persist through it", func() {
			g, err := svc.Hostless().Create(ctx, "creator", "Cleo")
			So(err, ShouldBeNil)

			again, err := svc.Hostless().Game(ctx, g.ID)
			So(err, ShouldBeNil)
			So(again.JoinCode, ShouldEqual, g.JoinCode)
			So(svc.GetStats()["backend"], ShouldEqual, config.BackendSQLite)
		})
	})

	Convey("Given an unknown backend", t, func() {
		cfg := config.New()
		cfg.StoreBackend = "etcd"
		svc := service.New(cfg)

		Convey("Then start fails and leaves the service stopped", func() {
			err := svc.Start(context.Background())
			So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
			So(svc.GetStats()["started"], ShouldBeFalse)
		})
	})

	Convey("Given an injected store", t, func() {
		ctx := context.Background()
		svc := service.New(config.New(), service.WithStore(memstore.New()))
		So(svc.Start(ctx), ShouldBeNil)
		defer func() { _ = svc.Stop(ctx) }()

		So(svc.GetStats()["backend"], ShouldEqual, "injected")
	})
}

func TestService_AutoAdvance(t *testing.T) {
	Convey("Given a service that runs response-window timers", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		cfg := config.New()
		cfg.AutoAdvance = true
		cfg.ResponseWindowSeconds = 1
		svc := service.New(cfg)
		So(svc.Start(ctx), ShouldBeNil)
		defer func() { _ = svc.Stop(ctx) }()

		m := svc.Hostless()
		g, err := m.Create(ctx, "creator", "Cleo")
		So(err, ShouldBeNil)
		_, err = m.StartRound(ctx, g.ID)
		So(err, ShouldBeNil)

		Convey("When a player claims and nobody advances", func() {
			_, err := m.ClaimFirstResponse(ctx, g.ID, "creator", "Cleo")
			So(err, ShouldBeNil)

			Convey("Then the round advances once the window is over", func() {
				var round int
				deadline := time.Now().Add(8 * time.Second)
				for time.Now().Before(deadline) {
					cur, err := m.Game(ctx, g.ID)
					So(err, ShouldBeNil)
					if round = cur.RoundNumber; round > 1 {
						break
					}
					time.Sleep(50 * time.Millisecond)
				}
				So(round, ShouldEqual, 2)
				So(svc.GetStats()["timers"], ShouldEqual, int64(1))
			})
		})

		Convey("When the game ends", func() {
			_, err := m.EndGame(ctx, g.ID)
			So(err, ShouldBeNil)

			Convey("Then its timer is released", func() {
				deadline := time.Now().Add(5 * time.Second)
				for time.Now().Before(deadline) && svc.GetStats()["timers"] != int64(0) {
					time.Sleep(20 * time.Millisecond)
				}
				So(svc.GetStats()["timers"], ShouldEqual, int64(0))
			})
		})
	})
}
