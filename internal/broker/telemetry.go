package broker

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TelemetryKind classifies a completed request for the per-request
// telemetry hook: Fulfilled (entry produced something), Declined (a
// miss or factory-level null past the lookup stage), or
// DeclinedNotFound (the lookup engine itself produced a Miss).
type TelemetryKind string

const (
	TelemetryFulfilled        TelemetryKind = "fulfilled"
	TelemetryDeclined         TelemetryKind = "declined"
	TelemetryDeclinedNotFound TelemetryKind = "declined_not_found"
)

// TelemetryEvent is the one-event-per-request payload the pluggable
// telemetry hook receives.
type TelemetryEvent struct {
	Identity Identity
	Audience Audience
	Source   Source
	Kind     TelemetryKind
	Miss     MissKind
	Duration time.Duration
}

// TelemetryHook is consulted once per GetPipe/GetProxy call. The hook
// lives in a View's telemetry field; a nil field selects the default
// implementation, which logs via zerolog.
type TelemetryHook func(ev TelemetryEvent)

// defaultTelemetryHook writes one structured zerolog event per
// request — a narrower, request-scoped sink than the broad logrus
// application log the rest of the package uses for operational traces.
func defaultTelemetryHook(ev TelemetryEvent) {
	level := zerolog.InfoLevel
	if ev.Kind != TelemetryFulfilled {
		level = zerolog.DebugLevel
	}
	log.WithLevel(level).
		Str("identity", ev.Identity.String()).
		Str("audience", ev.Audience.String()).
		Str("source", ev.Source.String()).
		Str("kind", string(ev.Kind)).
		Str("miss_reason", string(ev.Miss)).
		Dur("duration", ev.Duration).
		Msg("broker request")
}
