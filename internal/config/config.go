package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadEnv loads environment variables from a .env file in the current or
// parent directories. Missing files are not an error; already-set variables
// are never overridden.
func LoadEnv() {
	for _, path := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			return
		}
	}
}

// GetEnv gets environment variable with default
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets integer environment variable with default
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// Database holds Postgres connection parameters.
type Database struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// DatabaseFromEnv builds a Database config from PG* environment variables.
func DatabaseFromEnv() Database {
	return Database{
		Host:     GetEnv("PGHOST", "localhost"),
		Port:     GetEnvInt("PGPORT", 5432),
		Name:     GetEnv("PGDATABASE", "city_db"),
		User:     GetEnv("PGUSER", "postgres"),
		Password: GetEnv("PGPASSWORD", "postgres"),
	}
}

// DSN renders the lib/pq connection string. The connect timeout bounds only
// connection establishment, not individual statements.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable connect_timeout=20",
		d.Host, d.Port, d.User, d.Password, d.Name)
}

// Addr returns user@host:port/dbname for log messages.
func (d Database) Addr() string {
	return fmt.Sprintf("%s@%s:%d/%s", d.User, d.Host, d.Port, d.Name)
}
