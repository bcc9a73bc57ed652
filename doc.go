// Package frameflow composes data-processing pipelines from independently
// deployable stages that exchange frames over topic-addressed transports.
// A stage wraps a Filter: the runtime receives one batch of frames per
// iteration from the configured sources, hands it to Process, and publishes
// whatever the filter produces to the configured outputs. Stages connected
// by tcp:// or ipc:// addresses can be rearranged across processes and
// hosts without touching filter code; inproc:// wires them together inside
// a single process, which is also how the tests run whole pipelines.
//
// A minimal setup fills a FilterConfig with Sources and Outputs, implements
// Filter (plus the optional Setupper/Shutdowner hooks), and calls Run.
// RunMulti supervises one OS process per stage from a single binary and
// collects their exit codes.
//
// # Topics
//
// Every batch is a mapping of topic names to frames. Source and output
// addresses carry optional topic lists after a ';' separator, with '>'
// renaming on sources ("tcp://host:5550;camera>main"), so a stage can
// subscribe to a slice of an upstream's output and present it under its
// own topic names. An empty mapping is a valid batch and still flows.
//
// # Exit semantics
//
// Stages announce their own termination in-band and react to peer
// announcements according to three independent policies: AnnounceExit
// (which of its own exits a stage tells peers about), ObeyExit (which
// peer exits it follows), and StopExit (which child exit reasons make the
// RunMulti supervisor wind down the whole pipeline). Each policy is one
// of none, clean, error, or all.
//
// # Observability
//
// Stages log through ServiceLogger (slog- and watermill-backed adapters
// are provided), export Prometheus counters and histograms when a metrics
// port is configured, trace Process calls with OpenTelemetry, and can
// stream per-batch delivery stats to a MetricsSink through a bounded
// recorder that drops rather than blocks.
package frameflow
