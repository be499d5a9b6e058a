package dolt

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultDatabase is the logical database name when none is given.
	DefaultDatabase = "tally"
	// DefaultPoolSize caps open connections when the caller does not.
	DefaultPoolSize = 16

	defaultCommitter = "tally"
	defaultEmail     = "tally@localhost"
)

// Config selects and parameterizes one of the two connection modes.
type Config struct {
	// Dir is the dolt database directory for embedded mode. Ignored
	// when Server is set.
	Dir string

	// Server, when non-nil, connects to a running dolt sql-server over
	// the MySQL protocol instead of opening Dir in-process.
	Server *ServerConfig

	// Database is the logical database name, created if missing.
	Database string

	// EmbedFactData matches the indexer's embed flag: candidate scans
	// read payloads from the index when set, and join back to facts
	// when not.
	EmbedFactData bool

	// PoolSize caps open connections. Zero uses DefaultPoolSize.
	PoolSize int

	// CommitterName and CommitterEmail identify dolt commits made by
	// the embedded engine.
	CommitterName  string
	CommitterEmail string
}

// ServerConfig locates a dolt sql-server.
type ServerConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	TLS      bool
}

// ParseLocation interprets a database location: a mysql:// URL selects
// server mode, anything else is an embedded database directory. A
// database name in the URL path overrides the database argument.
func ParseLocation(location, database string) (*Config, error) {
	if database == "" {
		database = DefaultDatabase
	}
	cfg := &Config{
		Database:       database,
		CommitterName:  defaultCommitter,
		CommitterEmail: defaultEmail,
	}

	if !strings.HasPrefix(location, "mysql://") {
		if location == "" {
			return nil, fmt.Errorf("dolt: empty database location")
		}
		cfg.Dir = location
		return cfg, nil
	}

	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("dolt: parsing server location %q: %w", location, err)
	}
	srv := &ServerConfig{Host: u.Hostname(), Port: 3306, User: "root"}
	if srv.Host == "" {
		srv.Host = "127.0.0.1"
	}
	if p := u.Port(); p != "" {
		srv.Port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("dolt: invalid port in %q: %v", location, err)
		}
	}
	if u.User != nil {
		if name := u.User.Username(); name != "" {
			srv.User = name
		}
		if pw, ok := u.User.Password(); ok {
			srv.Password = pw
		}
	}
	if db := strings.Trim(u.Path, "/"); db != "" {
		cfg.Database = db
	}
	if u.Query().Get("tls") == "true" {
		srv.TLS = true
	}
	cfg.Server = srv
	return cfg, nil
}
