/*
Package log provides structured logging via zerolog: a global logger,
component-tagged child loggers, and a handful of domain-specific
context helpers used across herd's modules.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true, // JSON in production, console output in development
	})

Component-tagged logging:

	l := log.WithComponent("gateway")
	l.Info().Uint64("oid", uint64(oid)).Msg("write fan-out started")

Context helpers:

  - WithComponent(name) — tag logs with the owning subsystem (sockpool,
    router, gateway, farm, cluster/raftdrv, cluster/zkdrv, ...)
  - WithNodeID(id) — tag logs with a node identity
  - WithOid(oid) — tag logs with a hex-formatted object id (see FormatOid)
  - WithEpoch(epoch) — tag logs with the current epoch number

# Design

A single package-level zerolog.Logger, set once by Init and read
concurrently thereafter; child loggers returned by the With* helpers
share its underlying writer and level filter. Never log object payload
bytes or cluster event opaque fields — only their sizes and hashes.
*/
package log
