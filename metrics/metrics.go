package metrics

import (
	"time"

	"github.com/ocleanx/go-oclean-exporter/device"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	descBattery = prometheus.NewDesc(
		"sensor_battery_ratio",
		"Battery level reported by the device.",
		[]string{"name"},
		nil,
	)

	descBrushing = prometheus.NewDesc(
		"sensor_brushing_active",
		"Whether the device looked in use the last time it was observed. 0 = idle, 1 = brushing.",
		[]string{"name"},
		nil,
	)

	descSensor = prometheus.NewDesc(
		"sensor_value",
		"Generic sensor value reported by the device.",
		[]string{"name", "sensor", "unit"},
		nil,
	)
)

type CollectFunc func() (map[device.Device]device.Update, time.Time)

type collector struct {
	CollectFunc
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	out, ts := c.CollectFunc()

	if out == nil {
		panic("collector got empty data!")
	}

	for dev, update := range out {
		for _, sensor := range update.Sensors {
			value, ok := numericValue(sensor.Value)

			if !ok {
				// state/mode style sensors are strings; there is no
				// meaningful way to export those as gauges yet.
				continue
			}

			var metric prometheus.Metric

			switch sensor.Key {
			case device.SensorBatteryPercent:
				metric = prometheus.MustNewConstMetric(
					descBattery,
					prometheus.GaugeValue,
					value/100,
					dev.Name(),
				)
			default:
				metric = prometheus.MustNewConstMetric(
					descSensor,
					prometheus.GaugeValue,
					value,
					dev.Name(),
					string(sensor.Key),
					string(sensor.Unit),
				)
			}

			ch <- prometheus.NewMetricWithTimestamp(ts, metric)
		}

		if reporter, ok := dev.(device.LivenessReporter); ok {
			var active float64

			if reporter.Liveness().Active {
				active = 1
			}

			brushing := prometheus.MustNewConstMetric(
				descBrushing,
				prometheus.GaugeValue,
				active,
				dev.Name(),
			)

			ch <- prometheus.NewMetricWithTimestamp(ts, brushing)
		}
	}
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func RegisterCollector(f CollectFunc, reg prometheus.Registerer) {
	c := &collector{f}

	reg.MustRegister(c)
}
