//go:build cgo

package localdb

import _ "github.com/tursodatabase/go-libsql"

const remoteSupported = true
