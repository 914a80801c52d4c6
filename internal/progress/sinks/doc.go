// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and a console line printer.
package sinks
