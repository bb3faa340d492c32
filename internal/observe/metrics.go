// Package observe provides OpenTelemetry metrics for the Sightline server.
//
// Instruments are recorded through the OTel Metrics API and exported via a
// Prometheus bridge set up by [InitProvider], so operators scrape the
// standard /metrics endpoint. One [Metrics] instance is created in main and
// injected into the components that record; tests use [NewMetrics] with a
// private [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Sightline metrics.
const meterName = "github.com/sightlinehq/sightline"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Ingest counters ---

	// FramesIngested counts video frames accepted into connection buffers.
	FramesIngested metric.Int64Counter

	// AudioChunksIngested counts audio chunks accepted into connection buffers.
	AudioChunksIngested metric.Int64Counter

	// TranscriptsIngested counts final transcripts received from clients.
	TranscriptsIngested metric.Int64Counter

	// IngestDropped counts buffer evictions under backpressure. Use with
	// attribute.String("stream", "frames"|"audio").
	IngestDropped metric.Int64Counter

	// --- Segment counters ---

	// SegmentsFinalized counts completed finalize operations. Use with
	// attribute.String("path", ...) and attribute.Bool("encoded", ...).
	SegmentsFinalized metric.Int64Counter

	// EncodeFailures counts segment encodes that ended in an error.
	EncodeFailures metric.Int64Counter

	// ResponderErrors counts failed AI responder calls. Use with
	// attribute.String("responder", ...).
	ResponderErrors metric.Int64Counter

	// --- Latency histograms ---

	// EncodeDuration tracks one segment encode including the external mux.
	EncodeDuration metric.Float64Histogram

	// ResponderDuration tracks one AI responder call.
	ResponderDuration metric.Float64Histogram

	// TranscriptWait tracks how long finalize waited for a transcript.
	TranscriptWait metric.Float64Histogram

	// --- Gauges ---

	// ActiveConnections tracks currently open client connections.
	ActiveConnections metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// encode and responder latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesIngested, err = m.Int64Counter("sightline.ingest.frames",
		metric.WithDescription("Video frames accepted into connection buffers."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksIngested, err = m.Int64Counter("sightline.ingest.audio_chunks",
		metric.WithDescription("Audio chunks accepted into connection buffers."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptsIngested, err = m.Int64Counter("sightline.ingest.transcripts",
		metric.WithDescription("Final transcripts received from clients."),
	); err != nil {
		return nil, err
	}
	if met.IngestDropped, err = m.Int64Counter("sightline.ingest.dropped",
		metric.WithDescription("Buffer entries evicted under backpressure by stream."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsFinalized, err = m.Int64Counter("sightline.segments.finalized",
		metric.WithDescription("Completed segment finalize operations by path and encode outcome."),
	); err != nil {
		return nil, err
	}
	if met.EncodeFailures, err = m.Int64Counter("sightline.encode.failures",
		metric.WithDescription("Segment encodes that ended in an error."),
	); err != nil {
		return nil, err
	}
	if met.ResponderErrors, err = m.Int64Counter("sightline.responder.errors",
		metric.WithDescription("Failed AI responder calls by responder name."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.EncodeDuration, err = m.Float64Histogram("sightline.encode.duration",
		metric.WithDescription("Latency of one segment encode including the external mux."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponderDuration, err = m.Float64Histogram("sightline.responder.duration",
		metric.WithDescription("Latency of one AI responder call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptWait, err = m.Float64Histogram("sightline.transcript.wait",
		metric.WithDescription("Time finalize spent waiting for a matching transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("sightline.connections.active",
		metric.WithDescription("Number of currently open client connections."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RecordDrop records buffer evictions for one stream ("frames" or "audio").
func (m *Metrics) RecordDrop(ctx context.Context, stream string, n int64) {
	if n <= 0 {
		return
	}
	m.IngestDropped.Add(ctx, n,
		metric.WithAttributes(attribute.String("stream", stream)),
	)
}

// RecordSegment records one completed finalize with its chosen delivery path
// and encode outcome.
func (m *Metrics) RecordSegment(ctx context.Context, path string, encoded bool) {
	m.SegmentsFinalized.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("path", path),
			attribute.Bool("encoded", encoded),
		),
	)
}

// RecordResponderError records one failed responder call.
func (m *Metrics) RecordResponderError(ctx context.Context, responder string) {
	m.ResponderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("responder", responder)),
	)
}
