package migration

import (
	"fmt"

	gwconfig "github.com/cch-gateway/cch-gateway/internal/config"
)

// NewMigratorFromConfig creates a new migrator from the gateway's own DSN.
// The gateway only targets Postgres (spec §1, §6 "DSN"), and this
// package's Config accepts no other database type, so there is no
// per-driver branch here.
func NewMigratorFromConfig(cfg *gwconfig.Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	return NewMigrator(&Config{
		DatabaseType: DatabaseTypePostgres,
		DatabaseURL:  cfg.DSN,
		TableName:    "schema_migrations",
	})
}
