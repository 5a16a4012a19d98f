package db

import "embed"

// sqlSchemas holds the SQL migration files, embedded at compile time so
// the binary carries its own schema.
//
//go:embed migrations/*.sql
var sqlSchemas embed.FS
