package db

import _ "embed"

// Schema holds the bootstrap SQL applied on startup by the postgres backend.
//
//go:embed schema.sql
var Schema string
