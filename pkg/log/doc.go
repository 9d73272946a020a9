/*
Package log configures the process-wide zerolog base logger and hands out
component-tagged children.

Init is called once at startup with the level and output format; every
component then takes a child via WithComponent and attaches its own domain
fields (agent_id, cluster_id, migration_id) per event:

	logger := log.WithComponent("migrator")
	logger.Info().Str("migration_id", id).Msg("Migration completed")

Tests call Disable to silence output entirely.
*/
package log
