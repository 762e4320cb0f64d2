//go:build cgo

package claims

import (
	_ "github.com/mattn/go-sqlite3"
)

// driverName selects the cgo SQLite driver when available; it is the faster
// of the two and matches what most deployments build with.
const driverName = "sqlite3"
