/*
Package log provides structured logging for Runway using zerolog.

The package wraps a single global zerolog.Logger with component-scoped child
loggers. Library packages never create their own output; they receive a
zerolog.Logger (usually built with WithComponent or WithCollection) and the
CLI decides whether output is JSON or human-readable.

# Configuration

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

# Component Loggers

  - WithComponent("recordstore")
  - WithCollection("controller", "incidents")
  - WithRecordID(logger, "4b1c...")
  - WithUserID(logger, "inspector-7")

JSON output:

	{"level":"warn","component":"controller","collection":"incidents",
	 "record_id":"4b1c","kind":"update","message":"gateway rejected edit"}

Console output:

	10:30AM WRN gateway rejected edit component=controller collection=incidents

# Levels

debug is used for per-push detail (set sizes, reconcile results), info for
lifecycle (mount, unmount, server start), warn for recoverable failures
(gateway rejections, store errors, decode errors), error for failures that
stop a component.
*/
package log
