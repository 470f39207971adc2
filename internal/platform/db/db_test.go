package db

import (
	"strings"
	"testing"
)

func TestConnectRejectsUnknownDriver(t *testing.T) {
	_, err := Connect(Options{Driver: "oracle"})
	if err == nil || !strings.Contains(err.Error(), "unsupported database driver") {
		t.Fatalf("expected unsupported driver error, got %v", err)
	}
}

func TestConnectRequiresPostgresDSN(t *testing.T) {
	_, err := Connect(Options{Driver: DriverPostgres})
	if err == nil || !strings.Contains(err.Error(), "postgres dsn is required") {
		t.Fatalf("expected missing dsn error, got %v", err)
	}
}

func TestConnectOpensInMemorySQLite(t *testing.T) {
	database, err := Connect(Options{Driver: "SQLite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("connect sqlite failed: %v", err)
	}
	defer database.Close()
	if database.Driver != DriverSQLite {
		t.Fatalf("expected sqlite driver, got %s", database.Driver)
	}
}
