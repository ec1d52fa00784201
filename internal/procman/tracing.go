package procman

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("github.com/nextlevelbuilder/clawfleet/internal/procman")
