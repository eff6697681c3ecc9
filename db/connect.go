package db

import (
	"fmt"
	"net/url"
)

// Config describes how to reach the catalog's postgres database; its fields correspond
// to the standard PGHOST, PGPORT, PGDATABASE, PGUSER, PGPASSWORD and PGSSLMODE variables
type Config struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// URI returns the 'postgres://' connection string for the configured database
func (c Config) URI() string {
	return FormatConnectionString(c.Host, c.Port, c.Name, c.User, c.Password, c.SSLMode)
}

// FormatConnectionString formats the provided database connection details into a
// 'postgres://' URI that can be used to connect to that database, e.g. via sql.Open
func FormatConnectionString(host string, port int, dbname, user, password, sslmode string) string {
	urlencodedPassword := url.QueryEscape(password)
	s := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", user, urlencodedPassword, host, port, url.PathEscape(dbname))
	if sslmode != "" {
		s += fmt.Sprintf("?sslmode=%s", url.QueryEscape(sslmode))
	}
	return s
}
