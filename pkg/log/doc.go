/*
Package log provides the toolkit's structured logging, a thin wrapper over
zerolog. Init configures the package-level Logger's level and output
format (JSON for production, a console writer otherwise); every other
package calls log.WithComponent("name") to get a child logger carrying a
component field, rather than logging through the bare global instance.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	svcLog := log.WithComponent("client")
	svcLog.Info().Str("service", "billing").Msg("dispatching call")
	svcLog.Error().Err(err).Msg("call failed")

WithNodeID, WithServiceID and WithRequestID attach the matching field the
same way, for call sites that want to key by one of those IDs instead of a
component name.
*/
package log
