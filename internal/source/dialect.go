package source

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Dialect is the SQL flavor of the source database
type Dialect string

const (
	MySQL     Dialect = "mysql"
	Postgres  Dialect = "postgres"
	SQLServer Dialect = "sqlserver"
	SQLite    Dialect = "sqlite"
)

// ParseDialect resolves a configured dialect name and its aliases
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mysql", "mariadb":
		return MySQL, nil
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "sqlserver", "mssql":
		return SQLServer, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported source dialect %q", name)
	}
}

// DriverName returns the database/sql driver registered for the dialect
func (d Dialect) DriverName() string {
	switch d {
	case Postgres:
		return "pgx"
	case SQLServer:
		return "sqlserver"
	case SQLite:
		return "sqlite"
	default:
		return "mysql"
	}
}

// DefaultPort returns the server port used when none is configured
func (d Dialect) DefaultPort() int {
	switch d {
	case Postgres:
		return 5432
	case SQLServer:
		return 1433
	case SQLite:
		return 0
	default:
		return 3306
	}
}

// Rebind rewrites ? placeholders into the dialect's positional form.
// Question marks inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	var prefix string
	switch d {
	case Postgres:
		prefix = "$"
	case SQLServer:
		prefix = "@p"
	default:
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	quoted := false
	for _, r := range query {
		switch {
		case r == '\'':
			quoted = !quoted
			b.WriteRune(r)
		case r == '?' && !quoted:
			n++
			b.WriteString(prefix)
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Limit appends the row limit clause; the query must end in ORDER BY
func (d Dialect) Limit(query string, n int) string {
	if d == SQLServer {
		return fmt.Sprintf("%s OFFSET 0 ROWS FETCH NEXT %d ROWS ONLY", query, n)
	}
	return fmt.Sprintf("%s LIMIT %d", query, n)
}

// BuildDSN renders the connection string of cfg. An explicit cfg.DSN wins.
func BuildDSN(cfg Config) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}

	d, err := ParseDialect(cfg.Dialect)
	if err != nil {
		return "", err
	}

	port := cfg.Port
	if port == 0 {
		port = d.DefaultPort()
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	switch d {
	case MySQL:
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = addr
		mc.DBName = cfg.Database
		mc.ParseTime = true
		mc.Loc = time.UTC
		mc.InterpolateParams = true
		mc.Params = map[string]string{"charset": "utf8mb4"}
		if cfg.TLS != "" {
			mc.TLSConfig = cfg.TLS
		}
		return mc.FormatDSN(), nil

	case Postgres:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.User, cfg.Password),
			Host:   addr,
			Path:   "/" + cfg.Database,
		}
		q := url.Values{}
		sslmode := cfg.TLS
		if sslmode == "" {
			sslmode = "prefer"
		}
		q.Set("sslmode", sslmode)
		u.RawQuery = q.Encode()
		return u.String(), nil

	case SQLServer:
		u := url.URL{
			Scheme: "sqlserver",
			User:   url.UserPassword(cfg.User, cfg.Password),
			Host:   addr,
		}
		q := url.Values{}
		q.Set("database", cfg.Database)
		if cfg.TLS != "" {
			q.Set("encrypt", cfg.TLS)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil

	default:
		if cfg.Database == "" {
			return "", fmt.Errorf("sqlite source needs a database path")
		}
		return "file:" + cfg.Database + "?mode=ro&_pragma=busy_timeout(10000)", nil
	}
}
