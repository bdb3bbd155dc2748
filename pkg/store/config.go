package store

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Pool defaults. Workers hold a connection only for the duration of one
// claim or transition, so a small pool suffices.
const (
	defaultMaxOpenConns = 10
	defaultMaxIdleConns = 5
	connMaxLifetime     = 30 * time.Minute
	connMaxIdleTime     = 5 * time.Minute
)

// LoadConfigFromEnv assembles the database Config from DB_* environment
// variables, starting from local-development defaults.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Host:            "localhost",
		Port:            5432,
		User:            "clipcast",
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        "clipcast",
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: connMaxLifetime,
		ConnMaxIdleTime: connMaxIdleTime,
	}

	for key, target := range map[string]*string{
		"DB_HOST":    &cfg.Host,
		"DB_USER":    &cfg.User,
		"DB_NAME":    &cfg.Database,
		"DB_SSLMODE": &cfg.SSLMode,
	} {
		if v := os.Getenv(key); v != "" {
			*target = v
		}
	}

	for key, target := range map[string]*int{
		"DB_PORT":           &cfg.Port,
		"DB_MAX_OPEN_CONNS": &cfg.MaxOpenConns,
		"DB_MAX_IDLE_CONNS": &cfg.MaxIdleConns,
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*target = n
	}

	return cfg, nil
}
