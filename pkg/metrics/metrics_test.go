package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestManagerCreation(t *testing.T) {
	Convey("Given a fresh registry", t, func() {
		registry := prometheus.NewRegistry()

		Convey("When a manager is built with custom options", func() {
			m := NewManager(
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithMetricPrefix("x"),
				WithHistogramBuckets([]float64{1, 10}),
				WithRefreshInterval(3*time.Second),
				WithCustomLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then its collectors land on that registry", func() {
				So(m.Enabled(), ShouldBeTrue)
				So(m.RefreshInterval(), ShouldEqual, 3*time.Second)
				m.claimOutcomes.WithLabelValues("won").Inc()
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				names := make([]string, 0, len(families))
				for _, f := range families {
					names = append(names, f.GetName())
				}
				So(names, ShouldContain, "test_unit_x_first_claims_total")
			})
		})

		Convey("When metrics are disabled", func() {
			m := NewManager(WithMetricsEnabled(false), WithPrometheusRegistry(registry))
			m.autoAdvances.Inc()

			Convey("Then nothing is registered on the supplied registry", func() {
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				So(families, ShouldBeEmpty)
			})
		})
	})
}

func TestGlobalRecorders(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("When claims are recorded", func() {
			won := testutil.ToFloat64(globalManager.claimOutcomes.WithLabelValues("won"))
			lost := testutil.ToFloat64(globalManager.claimOutcomes.WithLabelValues("lost"))
			RecordClaim(true)
			RecordClaim(false)
			RecordClaim(false)

			Convey("Then won and lost are counted separately", func() {
				So(testutil.ToFloat64(globalManager.claimOutcomes.WithLabelValues("won")), ShouldEqual, won+1)
				So(testutil.ToFloat64(globalManager.claimOutcomes.WithLabelValues("lost")), ShouldEqual, lost+2)
			})
		})

		Convey("When score changes are recorded", func() {
			down := testutil.ToFloat64(globalManager.scoreChanges.WithLabelValues("hosted", "down"))
			RecordScoreChange("hosted", -1)

			Convey("Then the direction follows the sign", func() {
				So(testutil.ToFloat64(globalManager.scoreChanges.WithLabelValues("hosted", "down")), ShouldEqual, down+1)
			})
		})

		Convey("When gauges are set", func() {
			UpdateWatchesActive(7)
			UpdateQueueSize(3)

			Convey("Then they report the last value", func() {
				So(testutil.ToFloat64(globalManager.watchesActive), ShouldEqual, 7)
				So(testutil.ToFloat64(globalManager.queueSize), ShouldEqual, 3)
			})
		})

		Convey("Then the exported registry is the custom one", func() {
			So(GetRegistry(), ShouldEqual, customRegistry)
			So(Default(), ShouldEqual, globalManager)
		})
	})
}
