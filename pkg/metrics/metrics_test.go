package metrics

import (
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestClientMetrics(t *testing.T) {
	Convey("Given a client metrics instance", t, func() {
		m := NewClientMetrics()

		Convey("Connection stats are recorded", func() {
			m.RecordConnection(true, time.Second)
			m.RecordConnection(false, time.Second)
			m.RecordReconnection()

			So(m.TotalConnections, ShouldEqual, 2)
			So(m.FailedConnections, ShouldEqual, 1)
			So(m.Reconnections, ShouldEqual, 1)
		})

		Convey("Updates and pulls are split by kind", func() {
			m.RecordUpdate(true, false)
			m.RecordUpdate(false, false)
			m.RecordUpdate(true, true)
			m.RecordPull(true)
			m.RecordPull(false)
			m.RecordVersionGap()

			metrics := m.GetMetrics()
			So(metrics["diff_updates"], ShouldEqual, int64(1))
			So(metrics["full_updates"], ShouldEqual, int64(1))
			So(metrics["failed_writes"], ShouldEqual, int64(1))
			So(metrics["cache_hits"], ShouldEqual, int64(1))
			So(metrics["pulls"], ShouldEqual, int64(1))
			So(metrics["version_gaps"], ShouldEqual, int64(1))
		})

		Convey("Average latency is zero without events", func() {
			So(m.GetMetrics()["avg_event_latency"], ShouldEqual, 0.0)

			m.RecordEvent(false, 2*time.Second)
			m.RecordEvent(true, 0)
			So(m.GetMetrics()["avg_event_latency"], ShouldEqual, 1.0)
			So(m.DroppedEvents, ShouldEqual, 1)
		})
	})
}

func TestServiceMetrics(t *testing.T) {
	Convey("Given a service metrics instance under concurrent use", t, func() {
		m := NewServiceMetrics()

		var wg sync.WaitGroup

		for range 10 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				m.RecordRequest()
				m.RecordUpdate(5)
				m.RecordConnect()
				m.RecordDisconnect(false)
			}()
		}

		wg.Wait()

		m.RecordConnect()
		m.RecordDisconnect(true)
		m.RecordConnect()
		m.RecordUpstream(true)
		m.RecordCacheHit()
		m.RecordBroadcast()

		snap := m.Snapshot()

		Convey("Then the snapshot reflects every call", func() {
			So(snap.TotalRequests, ShouldEqual, 10)
			So(snap.ContextUpdates, ShouldEqual, 10)
			So(snap.TokensSaved, ShouldEqual, 50)
			So(snap.ActiveConnections, ShouldEqual, 1)
			So(snap.TotalConnections, ShouldEqual, 12)
			So(snap.DroppedConnections, ShouldEqual, 1)
			So(snap.RejectedMessages, ShouldEqual, 1)
			So(snap.CacheHits, ShouldEqual, 1)
			So(snap.Broadcasts, ShouldEqual, 1)
			So(m.ActiveConnections(), ShouldEqual, 1)
		})
	})
}
