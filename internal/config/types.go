package config

import "strings"

// Environment identifies the runtime environment where pricewatch operates.
type Environment string

// StoreDriver names a watchlist storage backend.
type StoreDriver string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

const (
	// StoreMemory keeps the watchlist in process memory.
	StoreMemory StoreDriver = "memory"
	// StoreSQLite persists the watchlist in a local SQLite file.
	StoreSQLite StoreDriver = "sqlite"
	// StorePostgres persists the watchlist in PostgreSQL.
	StorePostgres StoreDriver = "postgres"
)

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
