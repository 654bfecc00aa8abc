package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

type baroMetrics struct {
	temperature prometheus.Gauge
	pressure    prometheus.Gauge
	altitude    prometheus.Gauge
	reference   prometheus.Gauge
	humidity    prometheus.Gauge
	co2         prometheus.Gauge
	readings    prometheus.Counter
	failures    prometheus.Counter
}

func newBaroMetrics(reg prometheus.Registerer) *baroMetrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "baro", Name: name, Help: help})
	}
	m := &baroMetrics{
		temperature: gauge("temperature_celsius", "Last MS5611 temperature."),
		pressure:    gauge("pressure_mbar", "Last MS5611 pressure."),
		altitude:    gauge("altitude_metres", "Altitude derived from the last pressure."),
		reference:   gauge("reference_pressure_mbar", "Pressure used as altitude 0."),
		humidity:    gauge("humidity_percent", "Last SCD4x relative humidity."),
		co2:         gauge("co2_ppm", "Last SCD4x CO2 concentration."),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "baro", Name: "readings_total", Help: "Successful acquisition cycles.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "baro", Name: "failures_total", Help: "Failed acquisition cycles.",
		}),
	}
	reg.MustRegister(m.temperature, m.pressure, m.altitude, m.reference, m.humidity, m.co2, m.readings, m.failures)
	return m
}

func (m *baroMetrics) Publish(r SensorReading) {
	if m == nil {
		return
	}
	m.temperature.Set(r.Temperature)
	m.pressure.Set(r.Pressure)
	m.altitude.Set(r.Altitude)
	m.reference.Set(r.Reference)
	if r.CO2 != 0 {
		m.humidity.Set(r.Humidity)
		m.co2.Set(float64(r.CO2))
	}
	m.readings.Inc()
}

func (m *baroMetrics) failed() {
	if m == nil {
		return
	}
	m.failures.Inc()
}
