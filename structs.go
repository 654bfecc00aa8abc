package main

import (
	"sync"
	"time"
)

type SensorReading struct {
	Temperature float64 `json:"temperature"`
	Pressure    float64 `json:"pressure"`
	Altitude    float64 `json:"altitude"`
	Reference   float64 `json:"reference"`
	// SCD4x, only when enabled
	Humidity   float64   `json:"humidity,omitempty"`
	CO2        uint16    `json:"co2,omitempty"`
	Updated    time.Time `json:"-"`
	UpdatedStr string    `json:"updated"`
}

func NewSensorReading(date time.Time) SensorReading {
	return SensorReading{
		Updated:    date,
		UpdatedStr: date.Format("2006-01-02 15:04:05"), // ISO 8601 without timezone
	}
}

// readingStore keeps the last good reading.
type readingStore struct {
	mu      sync.RWMutex
	reading SensorReading
	ok      bool
}

func (s *readingStore) set(r SensorReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reading, s.ok = r, true
}

func (s *readingStore) get() (SensorReading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reading, s.ok
}
