// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the required field tables within an existing transaction
func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Serializes concurrent first-time initialization from several processes.
		`SELECT pg_advisory_xact_lock(hashtext('fieldsync_schema'))`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS stores (
			id         UUID PRIMARY KEY,
			name       TEXT NOT NULL,
			latitude   DOUBLE PRECISION,
			longitude  DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT stores_coords_chk CHECK ((latitude IS NULL) = (longitude IS NULL))
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS store_assignments (
			user_id  TEXT NOT NULL,
			store_id UUID NOT NULL REFERENCES stores(id) ON DELETE CASCADE,
			PRIMARY KEY (user_id, store_id)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS visits (
			id          UUID PRIMARY KEY,
			offline_id  UUID,
			user_id     TEXT NOT NULL,
			device_id   TEXT NOT NULL DEFAULT '',
			store_id    UUID NOT NULL REFERENCES stores(id),
			latitude    DOUBLE PRECISION NOT NULL,
			longitude   DOUBLE PRECISION NOT NULL,
			accuracy    DOUBLE PRECISION NOT NULL DEFAULT 0,
			distance_m  DOUBLE PRECISION,
			visited_at  TIMESTAMPTZ NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT visits_offline_id_key UNIQUE (offline_id)
		)`,
		`CREATE INDEX IF NOT EXISTS visits_user_idx ON visits(user_id, visited_at)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS orders (
			id          UUID PRIMARY KEY,
			offline_id  UUID,
			visit_id    UUID NOT NULL REFERENCES visits(id),
			user_id     TEXT NOT NULL,
			status      TEXT NOT NULL CHECK (status IN ('PENDING','SYNCED','PROCESSING','COMPLETED','CANCELLED')),
			total       NUMERIC(14,2) NOT NULL DEFAULT 0,
			notes       TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT orders_offline_id_key UNIQUE (offline_id),
			CONSTRAINT orders_visit_id_key UNIQUE (visit_id)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS order_items (
			id          UUID PRIMARY KEY,
			order_id    UUID NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			product_id  TEXT NOT NULL,
			quantity    INTEGER NOT NULL CHECK (quantity > 0),
			unit_price  NUMERIC(14,2) NOT NULL CHECK (unit_price >= 0),
			position    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS order_items_order_idx ON order_items(order_id, position)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS photos (
			id            UUID PRIMARY KEY,
			offline_id    UUID,
			visit_id      UUID NOT NULL REFERENCES visits(id),
			user_id       TEXT NOT NULL,
			content_type  TEXT NOT NULL,
			size_bytes    BIGINT NOT NULL,
			storage_key   TEXT NOT NULL,
			content       BYTEA,
			thumbnail     BYTEA,
			width         INTEGER NOT NULL,
			height        INTEGER NOT NULL,
			caption       TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT photos_offline_id_key UNIQUE (offline_id)
		)`,
		`CREATE INDEX IF NOT EXISTS photos_visit_idx ON photos(visit_id)`,
	}

	for i, migration := range migrations {
		s.logger.Debug("Running field migration", "step", i+1, "total", len(migrations))
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("field migration %d failed: %w", i+1, err)
		}
	}
	s.logger.Info("Field schema initialized successfully", "migrations", len(migrations))

	return nil
}
