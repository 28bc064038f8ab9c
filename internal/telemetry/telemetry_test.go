package telemetry

import (
	"context"
	"testing"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(context.Background(), "vod-search")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown failed: %v", err)
	}
}

func TestSamplingRatio(t *testing.T) {
	cases := map[string]float64{"": 1, "0.25": 0.25, "2": 1, "abc": 1, "0": 0}
	for raw, want := range cases {
		t.Setenv("OTEL_TRACES_SAMPLER_ARG", raw)
		if got := samplingRatio(); got != want {
			t.Fatalf("samplingRatio(%q) = %v, want %v", raw, got, want)
		}
	}
}
