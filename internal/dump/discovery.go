package dump

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/swat-engineering/rsync-backup/internal/config"
)

const (
	defaultHost           = "127.0.0.1"
	defaultMySQLPort      = 3306
	defaultPostgresPort   = 5432
	postgresMaintenanceDB = "postgres"
)

// Discoverer lists the databases a server holds.
type Discoverer interface {
	Databases(ctx context.Context, engine string, spec config.DatabaseSpec) ([]string, error)
}

// SQLDiscoverer asks the server itself, using the credentials of the dump.
type SQLDiscoverer struct{}

func (SQLDiscoverer) Databases(ctx context.Context, engine string, spec config.DatabaseSpec) ([]string, error) {
	connector, err := newConnector(engine, spec)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("connecting to %s server at %s: %w", engine, serverAddress(engine, spec), err)
	}
	return ListDatabases(ctx, db, engine)
}

func newConnector(engine string, spec config.DatabaseSpec) (driver.Connector, error) {
	addr := serverAddress(engine, spec)
	switch engine {
	case config.EngineMySQL:
		cfg := mysql.NewConfig()
		cfg.User = spec.User
		cfg.Passwd = spec.Password
		cfg.Net = "tcp"
		cfg.Addr = addr
		return mysql.NewConnector(cfg)
	case config.EnginePostgres:
		dsn := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(spec.User, spec.Password),
			Host:     addr,
			Path:     "/" + postgresMaintenanceDB,
			RawQuery: "sslmode=disable",
		}
		return pq.NewConnector(dsn.String())
	default:
		return nil, fmt.Errorf("unknown database engine %q", engine)
	}
}

// ListDatabases returns the user databases of the server behind db, leaving
// out the schemas every server carries.
func ListDatabases(ctx context.Context, db *sql.DB, engine string) ([]string, error) {
	var query string
	switch engine {
	case config.EngineMySQL:
		query = "SHOW DATABASES"
	case config.EnginePostgres:
		query = `SELECT datname FROM pg_database WHERE datistemplate = false AND datname <> 'postgres' ORDER BY datname`
	default:
		return nil, fmt.Errorf("unknown database engine %q", engine)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}
	defer rows.Close()

	var databases []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning database name: %w", err)
		}
		if engine == config.EngineMySQL && mysqlSystemSchemas[name] {
			continue
		}
		databases = append(databases, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}
	return databases, nil
}

var mysqlSystemSchemas = map[string]bool{
	"information_schema": true,
	"mysql":              true,
	"performance_schema": true,
	"sys":                true,
}

func serverAddress(engine string, spec config.DatabaseSpec) string {
	host := spec.Host
	if host == "" {
		host = defaultHost
	}
	port := spec.Port
	if port == 0 {
		port = defaultMySQLPort
		if engine == config.EnginePostgres {
			port = defaultPostgresPort
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
