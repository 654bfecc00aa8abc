package main

import (
	"context"
	"log"
	"time"

	"BaroServer/ms5611"

	"periph.io/x/conn/v3/physic"
)

// barometer is the part of *ms5611.Dev used by the server.
type barometer interface {
	Acquire(osr ms5611.Oversampling) (ms5611.Reading, error)
	ReferencePressure() physic.Pressure
	SetReferencePressure(p physic.Pressure) error
}

// companionFunc reads humidity in %RH and CO2 in ppm from a second sensor.
type companionFunc func() (float64, uint16, error)

// sink receives every good reading.
type sink interface {
	Publish(r SensorReading)
}

type sampler struct {
	baro      barometer
	osr       ms5611.Oversampling
	companion companionFunc // nil when no SCD4x
	store     *readingStore
	metrics   *baroMetrics // nil when disabled
	sinks     []sink
}

// run samples once right away, then on every tick until ctx is done.
func (s *sampler) run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := s.sample(time.Now()); err != nil {
			log.Printf("error while reading MS5611 data: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// sample runs one acquisition cycle and publishes the result.
//
// A failed acquisition leaves the stored reading untouched.
func (s *sampler) sample(now time.Time) error {
	r, err := s.baro.Acquire(s.osr)
	if err != nil {
		s.metrics.failed()
		return err
	}

	reading := NewSensorReading(now)
	reading.Temperature = r.Celsius()
	reading.Pressure = r.Millibar()
	reading.Altitude = r.Metres()
	reading.Reference = float64(s.baro.ReferencePressure()) / float64(ms5611.MilliBar)

	if s.companion != nil {
		rh, co2, err := s.companion()
		if err != nil {
			log.Printf("error while reading SCD4x data: %v", err)
		} else {
			reading.Humidity = rh
			reading.CO2 = co2
		}
	}

	s.store.set(reading)
	s.metrics.Publish(reading)
	for _, sk := range s.sinks {
		sk.Publish(reading)
	}
	return nil
}
