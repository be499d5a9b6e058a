//go:build !cgo

package dolt

import (
	"context"
	"fmt"
)

// openEmbedded requires CGO for the dolthub driver. Server mode still
// works without it: point the location at a dolt sql-server with a
// mysql:// URL.
func openEmbedded(_ context.Context, _ *Config) (*Store, error) {
	return nil, fmt.Errorf("dolt: embedded mode requires CGO; rebuild with CGO_ENABLED=1 or use a mysql:// location to connect to a dolt sql-server")
}
