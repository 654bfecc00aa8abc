package main

import (
	"context"
	"log"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

const influxWriteTimeout = 5 * time.Second

// influxSink writes every reading as a point of the "barometer" measurement.
type influxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func newInfluxSink(url, token, org, bucket string) *influxSink {
	client := influxdb2.NewClient(url, token)
	return &influxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}
}

func (s *influxSink) Publish(r SensorReading) {
	p := influxdb2.NewPointWithMeasurement("barometer").
		AddTag("sensor", "ms5611").
		AddField("temperature", r.Temperature).
		AddField("pressure", r.Pressure).
		AddField("altitude", r.Altitude).
		AddField("reference", r.Reference).
		SetTime(r.Updated)
	if r.CO2 != 0 {
		p.AddField("humidity", r.Humidity)
		p.AddField("co2", int64(r.CO2))
	}

	ctx, cancel := context.WithTimeout(context.Background(), influxWriteTimeout)
	defer cancel()
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		log.Printf("Couldn't write to InfluxDB: %v", err)
	}
}

func (s *influxSink) Close() {
	s.client.Close()
}
