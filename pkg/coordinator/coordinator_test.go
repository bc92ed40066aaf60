package coordinator

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/theapemachine/ctxsync/pkg/client"
	"github.com/theapemachine/ctxsync/pkg/diff"
	"github.com/theapemachine/ctxsync/pkg/errors"
)

func waitFor(events <-chan client.Event, kind client.EventKind) (client.Event, bool) {
	timeout := time.After(5 * time.Second)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return client.Event{}, false
			}

			if ev.Kind == kind {
				return ev, true
			}
		case <-timeout:
			return client.Event{}, false
		}
	}
}

func TestCoordinator(t *testing.T) {
	Convey("Given a coordinator serving on a local port", t, func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		So(err, ShouldBeNil)

		cfg := DefaultConfig()
		cfg.Client.BaseURL = "http://" + ln.Addr().String()
		cfg.Client.Retry.InitialDelay = 10 * time.Millisecond
		cfg.Client.Retry.MaxDelay = 50 * time.Millisecond

		coordinator, err := New(cfg)
		So(err, ShouldBeNil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)

		go func() { done <- coordinator.Serve(ctx, ln) }()

		var (
			once    sync.Once
			stopErr error
		)

		stop := func() error {
			once.Do(func() {
				cancel()

				select {
				case stopErr = <-done:
				case <-time.After(5 * time.Second):
					stopErr = errors.ErrInternal.WithMessagef("coordinator did not stop")
				}
			})

			return stopErr
		}

		Reset(func() { _ = stop() })

		Convey("Launched agents share one project", func() {
			writer, err := coordinator.Launch(ctx, "p1", "frontend")
			So(err, ShouldBeNil)

			reader, err := coordinator.Launch(ctx, "p1", "backend")
			So(err, ShouldBeNil)

			_, err = writer.UpdateContext(ctx, map[string]any{"currentTask": "login form"})
			So(err, ShouldBeNil)

			ev, ok := waitFor(reader.Events(), client.EventContextUpdated)
			So(ok, ShouldBeTrue)
			So(ev.Version, ShouldEqual, int64(1))

			So(coordinator.Agents(), ShouldResemble, []string{"backend", "frontend"})

			m := coordinator.Metrics()
			So(m.Agents, ShouldContainKey, "frontend")
			So(m.Agents["backend"].Version, ShouldEqual, int64(1))
			So(m.Service.ActiveContexts, ShouldEqual, 1)
			So(m.Archive, ShouldBeNil)

			Convey("Tearing an agent down closes its client", func() {
				So(coordinator.Teardown("backend"), ShouldBeNil)
				So(coordinator.Agents(), ShouldResemble, []string{"frontend"})

				_, ok := waitFor(reader.Events(), client.EventError)
				So(ok, ShouldBeFalse)
			})

			Convey("Stopping the coordinator tears every agent down", func() {
				So(stop(), ShouldBeNil)
				So(coordinator.Agents(), ShouldBeEmpty)
			})
		})

		Convey("Unknown agents cannot be torn down", func() {
			So(errors.KindOf(coordinator.Teardown("nobody")), ShouldEqual, errors.KindNotFound)
		})

		Convey("Launching needs both a project and an agent", func() {
			_, err := coordinator.Launch(ctx, "", "frontend")
			So(errors.KindOf(err), ShouldEqual, errors.KindValidation)
		})
	})
}

func TestNewEstimator(t *testing.T) {
	Convey("Given token settings", t, func() {
		Convey("The heuristic is the default", func() {
			_, ok := NewEstimator(TokensConfig{}).(*diff.HeuristicEstimator)
			So(ok, ShouldBeTrue)
		})
	})
}
