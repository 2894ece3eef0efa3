// Package db holds the shared PostgreSQL helpers: connection bootstrap,
// database creation for first runs, and schema migrations.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// ConnectionParams are the pieces of a postgres:// connection URL.
type ConnectionParams struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// ParseDatabaseURL splits a postgres connection URL into its parts.
func ParseDatabaseURL(databaseURL string) (*ConnectionParams, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("unsupported database scheme %q", u.Scheme)
	}

	params := &ConnectionParams{
		Host:    u.Hostname(),
		Port:    u.Port(),
		DBName:  strings.TrimPrefix(u.Path, "/"),
		SSLMode: u.Query().Get("sslmode"),
	}
	if params.Port == "" {
		params.Port = "5432"
	}
	if u.User != nil {
		params.User = u.User.Username()
		params.Password, _ = u.User.Password()
	}
	if params.DBName == "" {
		return nil, fmt.Errorf("database url %q names no database", databaseURL)
	}
	return params, nil
}

// URL rebuilds the connection string, optionally against a different database.
func (p *ConnectionParams) URL(dbName string) string {
	if dbName == "" {
		dbName = p.DBName
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%s", p.Host, p.Port),
		Path:   "/" + dbName,
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	if p.SSLMode != "" {
		q := url.Values{}
		q.Set("sslmode", p.SSLMode)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// EnsureDatabase creates the database named by databaseURL when it does not
// exist yet, connecting through the postgres maintenance database.
func EnsureDatabase(databaseURL string) error {
	params, err := ParseDatabaseURL(databaseURL)
	if err != nil {
		return err
	}

	admin, err := sql.Open("postgres", params.URL("postgres"))
	if err != nil {
		return fmt.Errorf("connect to maintenance database: %w", err)
	}
	defer admin.Close()

	var exists bool
	err = admin.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", params.DBName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check database existence: %w", err)
	}
	if exists {
		return nil
	}

	// Database names cannot be bound parameters; quote the identifier instead.
	quoted := `"` + strings.ReplaceAll(params.DBName, `"`, `""`) + `"`
	if _, err := admin.Exec("CREATE DATABASE " + quoted); err != nil {
		return fmt.Errorf("create database %s: %w", params.DBName, err)
	}
	return nil
}

// Open connects to databaseURL with the gateway's pool settings and verifies
// the connection.
func Open(databaseURL string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return conn, nil
}
