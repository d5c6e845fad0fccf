package services

import (
	"context"
	"fmt"

	"gerrit-slack-notifier/internal/config"
	"gerrit-slack-notifier/internal/log"

	"cloud.google.com/go/firestore"
)

// OpenStore connects to the store backend selected in cfg.
func OpenStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StoreBackend {
	case config.StoreFirestore:
		log.Info(ctx, "Connecting to Firestore", "project_id", cfg.FirestoreProjectID, "database_id", cfg.FirestoreDatabaseID)
		client, err := firestore.NewClientWithDatabase(ctx, cfg.FirestoreProjectID, cfg.FirestoreDatabaseID)
		if err != nil {
			return nil, fmt.Errorf("failed to create Firestore client: %w", err)
		}
		return NewFirestoreService(client), nil
	case config.StoreSQLite:
		log.Info(ctx, "Opening SQLite database", "path", cfg.SQLitePath)
		store, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StorePostgres:
		log.Info(ctx, "Connecting to PostgreSQL")
		store, err := OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
