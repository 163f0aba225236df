// Package telemetry ships per-tick production figures to InfluxDB. The
// writer is optional; a nil *Writer drops every point.
package telemetry

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/gridshare/gridshare/pkg/circuit"
)

// Config for the Influx connection.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Writer records simulation aggregates as time-series points.
type Writer struct {
	client  influxdb2.Client
	write   api.WriteAPIBlocking
	breaker *circuit.Breaker
}

func NewWriter(cfg Config) *Writer {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Writer{
		client:  client,
		write:   client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		breaker: circuit.NewBreaker(circuit.Config{Name: "influx", MaxFailures: 3, Cooldown: time.Minute}),
	}
}

// RecordTick writes one aggregate point for a simulation tick.
func (w *Writer) RecordTick(ctx context.Context, totalProduction, totalAvailable float64, activeProviders int) error {
	if w == nil {
		return nil
	}
	return w.breaker.Execute(ctx, func(ctx context.Context) error {
		point := influxdb2.NewPoint("community_energy",
			nil,
			map[string]interface{}{
				"total_production": totalProduction,
				"total_available":  totalAvailable,
				"active_providers": activeProviders,
			},
			time.Now())
		return w.write.WritePoint(ctx, point)
	})
}

// Close releases the underlying client.
func (w *Writer) Close() {
	if w != nil {
		w.client.Close()
	}
}
