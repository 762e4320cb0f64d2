//go:build !cgo

package claims

import (
	_ "modernc.org/sqlite"
)

// driverName falls back to the pure-Go SQLite driver so CGO_ENABLED=0
// builds keep working.
const driverName = "sqlite"
