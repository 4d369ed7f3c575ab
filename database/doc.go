// Package database opens the SQLite database shared by the instance store and
// the lifecycle event log, and records the schema version of each table
// family in the _versions table. Table families live in their own packages and
// are injected at startup as SchemaHandlers.
package database
