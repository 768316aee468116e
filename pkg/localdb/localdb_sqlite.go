//go:build !cgo

package localdb

import (
	"database/sql"

	sqlite "modernc.org/sqlite"
)

const remoteSupported = false

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}
