/*
Package log provides structured logging for the client device auth core
using zerolog.

The package holds one global zerolog.Logger, configured once at process
start via Init and consumed everywhere else through the child-logger
helpers. JSON output is intended for production (one object per line,
machine-parseable); console output is for interactive use.

# Initialization

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Output defaults to stdout; pass Config.Output to redirect, e.g. to a file
opened by the host process.

# Child loggers

Entity-scoped helpers attach the identifying field every log call in a code
path should carry, so correlation never depends on hand-written message
text:

	subLog := log.WithSubscriptionID("sub-4f2a")
	subLog.Info().Str("reason", "expiring").Msg("rotating certificate")

	certLog := log.WithCertificateID(certID)
	thingLog := log.WithThingName("sensor-12")

WithComponent tags a subsystem ("rotation", "shadow", "refresh"), and
WithEventKey carries the structured event key surfaced with user-visible
failures:

	log.WithEventKey("shadow.get_timeout").Error().Msg("get timed out")

# Shortcuts

Info, Debug, Warn, Error, Errorf, and Fatal log a bare message through the
global logger for call sites with nothing structured to add. Fatal exits
the process with status 1.
*/
package log
