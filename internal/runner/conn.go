package runner

import (
	"database/sql"
	"fmt"
	"os"
	"os/user"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/lib/pq/auth/kerberos"
)

func init() {
	// Lets lib/pq answer GSSAPI challenges with the ambient Kerberos ticket when no
	// password is configured.
	pq.RegisterGSSProvider(func() (pq.GSS, error) { return kerberos.NewGSS() })
}

// Connection defaults.
const (
	DefaultHost       = "postgres.cs.rutgers.edu"
	DefaultDBName     = "aas517"
	DefaultSearchPath = "aas517, public"

	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
)

// ConnConfig holds the database connection parameters.
type ConnConfig struct {
	Driver     string
	Host       string
	Port       string
	DBName     string
	User       string
	Password   string // empty means ambient credentials (GSSAPI)
	SSLMode    string
	SearchPath string
}

// ConnConfigFromEnv reads DB_* variables, falling back to the defaults and the
// current OS user.
func ConnConfigFromEnv() ConnConfig {
	return ConnConfig{
		Driver:     env("DB_DRIVER", DriverPostgres),
		Host:       env("DB_HOST", DefaultHost),
		Port:       env("DB_PORT", ""),
		DBName:     env("DB_NAME", DefaultDBName),
		User:       env("DB_USER", currentUser()),
		Password:   os.Getenv("DB_PASSWORD"),
		SSLMode:    env("DB_SSLMODE", ""),
		SearchPath: env("DB_SEARCH_PATH", DefaultSearchPath),
	}
}

// DSN renders a keyword/value connection string understood by both drivers.
func (c ConnConfig) DSN() string {
	params := map[string]string{
		"host":     c.Host,
		"port":     c.Port,
		"dbname":   c.DBName,
		"user":     c.User,
		"password": c.Password,
		"sslmode":  c.SSLMode,
	}
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+quoteDSNValue(params[k]))
	}
	return strings.Join(parts, " ")
}

// Open opens a database handle with the configured driver.
func Open(c ConnConfig) (*sql.DB, error) {
	switch c.Driver {
	case "", DriverPostgres:
		return sql.Open(DriverPostgres, c.DSN())
	case DriverPgx:
		cfg, err := pgx.ParseConfig(c.DSN())
		if err != nil {
			return nil, fmt.Errorf("parse connection config: %w", err)
		}
		return stdlib.OpenDB(*cfg), nil
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q (supported: %s, %s)", c.Driver, DriverPostgres, DriverPgx)
	}
}

// SearchPathStatement builds the SET search_path statement with each schema quoted.
func (c ConnConfig) SearchPathStatement() string {
	path := c.SearchPath
	if path == "" {
		path = DefaultSearchPath
	}
	var schemas []string
	for _, s := range strings.Split(path, ",") {
		if s = strings.TrimSpace(s); s != "" {
			schemas = append(schemas, pq.QuoteIdentifier(s))
		}
	}
	return "SET search_path TO " + strings.Join(schemas, ", ")
}

func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

func env(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
