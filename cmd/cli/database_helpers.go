package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/anstrom/hostsweep/internal/config"
	"github.com/anstrom/hostsweep/internal/db"
)

// DatabaseOperation represents a function that operates on a database connection.
type DatabaseOperation func(*db.DB) error

// withDatabase loads configuration, connects, runs operation and closes the
// connection again.
func withDatabase(ctx context.Context, operation DatabaseOperation) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	return withDatabaseConfig(ctx, cfg, operation)
}

func withDatabaseConfig(ctx context.Context, cfg *config.Config, operation DatabaseOperation) error {
	database, err := db.Connect(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}

	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", closeErr)
		}
	}()

	return operation(database)
}
