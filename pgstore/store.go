package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftdoc/collab"
)

// Store is a Postgres-backed storage adapter over a pgx pool. One row per
// document carries the snapshot record and the sync checkpoint; the
// update log and the pending-sync list are ordered child tables.

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
	}
}

// Setup creates the schema. Safe to call on every start.
func (self *Store) Setup(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS collab_documents (
			doc_id text PRIMARY KEY,
			snapshot bytea,
			snapshot_generation bigint NOT NULL DEFAULT 0,
			synced_snapshot_generation bigint NOT NULL DEFAULT 0,
			checkpoint text NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS collab_updates (
			doc_id text NOT NULL,
			seq bigserial,
			update_blob bytea NOT NULL,
			PRIMARY KEY (doc_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS collab_pending (
			doc_id text NOT NULL,
			seq bigint NOT NULL,
			update_blob bytea NOT NULL,
			PRIMARY KEY (doc_id, seq)
		)`,
	}
	for _, statement := range statements {
		if _, err := self.pool.Exec(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}

func (self *Store) ensureDocument(ctx context.Context, tx pgx.Tx, docId string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO collab_documents (doc_id)
		VALUES ($1)
		ON CONFLICT (doc_id) DO NOTHING
	`, docId)
	return err
}

// collab.StorageAdapter implementation

func (self *Store) GetUpdates(ctx context.Context, docId string) ([][]byte, error) {
	var known bool
	err := self.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM collab_documents WHERE doc_id = $1)
	`, docId).Scan(&known)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, nil
	}

	rows, err := self.pool.Query(ctx, `
		SELECT update_blob FROM collab_updates
		WHERE doc_id = $1
		ORDER BY seq ASC
	`, docId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	updates := [][]byte{}
	for rows.Next() {
		var update []byte
		if err := rows.Scan(&update); err != nil {
			return nil, err
		}
		updates = append(updates, update)
	}
	return updates, rows.Err()
}

func (self *Store) AppendUpdate(ctx context.Context, docId string, update []byte) error {
	tx, err := self.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := self.ensureDocument(ctx, tx, docId); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO collab_updates (doc_id, update_blob)
		VALUES ($1, $2)
	`, docId, update)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (self *Store) Remove(ctx context.Context, docId string) error {
	tx, err := self.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{"collab_updates", "collab_pending", "collab_documents"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE doc_id = $1`, docId); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// optional capabilities

func (self *Store) GetSnapshot(ctx context.Context, docId string) (*collab.SnapshotRecord, error) {
	record := &collab.SnapshotRecord{}
	err := self.pool.QueryRow(ctx, `
		SELECT snapshot, snapshot_generation, synced_snapshot_generation
		FROM collab_documents
		WHERE doc_id = $1
	`, docId).Scan(&record.Snapshot, &record.SnapshotGeneration, &record.SyncedSnapshotGeneration)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if record.Snapshot == nil && record.SnapshotGeneration == 0 {
		return nil, nil
	}
	return record, nil
}

func (self *Store) SetSnapshot(ctx context.Context, docId string, snapshot []byte) error {
	_, err := self.pool.Exec(ctx, `
		INSERT INTO collab_documents (doc_id, snapshot, snapshot_generation)
		VALUES ($1, $2, 1)
		ON CONFLICT (doc_id) DO UPDATE SET
			snapshot = EXCLUDED.snapshot,
			snapshot_generation = collab_documents.snapshot_generation + 1
	`, docId, snapshot)
	return err
}

func (self *Store) GetPendingSync(ctx context.Context, docId string) ([][]byte, error) {
	var known bool
	err := self.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM collab_documents WHERE doc_id = $1)
	`, docId).Scan(&known)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, nil
	}

	rows, err := self.pool.Query(ctx, `
		SELECT update_blob FROM collab_pending
		WHERE doc_id = $1
		ORDER BY seq ASC
	`, docId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pending := [][]byte{}
	for rows.Next() {
		var update []byte
		if err := rows.Scan(&update); err != nil {
			return nil, err
		}
		pending = append(pending, update)
	}
	return pending, rows.Err()
}

func (self *Store) MarkPendingSync(ctx context.Context, docId string, updates [][]byte) error {
	tx, err := self.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := self.ensureDocument(ctx, tx, docId); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM collab_pending WHERE doc_id = $1`, docId); err != nil {
		return err
	}
	for i, update := range updates {
		_, err := tx.Exec(ctx, `
			INSERT INTO collab_pending (doc_id, seq, update_blob)
			VALUES ($1, $2, $3)
		`, docId, i, update)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (self *Store) ClearPendingSync(ctx context.Context, docId string) error {
	_, err := self.pool.Exec(ctx, `DELETE FROM collab_pending WHERE doc_id = $1`, docId)
	return err
}

func (self *Store) MarkSnapshotSynced(ctx context.Context, docId string, generation uint64) error {
	_, err := self.pool.Exec(ctx, `
		UPDATE collab_documents SET
			synced_snapshot_generation = GREATEST(
				synced_snapshot_generation,
				LEAST($2::bigint, snapshot_generation)
			)
		WHERE doc_id = $1
	`, docId, generation)
	return err
}

func (self *Store) GetSyncCheckpoint(ctx context.Context, docId string) (string, error) {
	checkpoint := ""
	err := self.pool.QueryRow(ctx, `
		SELECT checkpoint FROM collab_documents WHERE doc_id = $1
	`, docId).Scan(&checkpoint)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	return checkpoint, err
}

func (self *Store) SetSyncCheckpoint(ctx context.Context, docId string, checkpoint string) error {
	tx, err := self.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := self.ensureDocument(ctx, tx, docId); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE collab_documents SET checkpoint = $2 WHERE doc_id = $1
	`, docId, checkpoint); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
