package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kryptonchain/bisq/src/witness"
	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

const (
	witnessDBFilename = "witnesses.db"
	dbOpTimeout       = 5 * time.Second
)

// WitnessDB is the append-only SQLite log of every stored signed witness
type WitnessDB struct {
	db *sql.DB
}

// WitnessDBPath returns the database location inside dataDir
func WitnessDBPath(dataDir string) string {
	return filepath.Join(dataDir, witnessDBFilename)
}

// OpenWitnessDB opens or creates the database at path and ensures schema and PRAGMAs
func OpenWitnessDB(path string) (*WitnessDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}

	schema := `
CREATE TABLE IF NOT EXISTS witnesses (
  id                   TEXT    PRIMARY KEY,
  signed_by_arbitrator INTEGER NOT NULL,
  account_hash         BLOB    NOT NULL,
  signature            BLOB    NOT NULL,
  signer_pub_key       BLOB    NOT NULL,
  owner_pub_key        BLOB    NOT NULL,
  date                 INTEGER NOT NULL,
  trade_amount         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS witnesses_account_idx ON witnesses(account_hash);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &WitnessDB{db: db}, nil
}

// Append stores sw and reports whether a new row was written
func (s *WitnessDB) Append(ctx context.Context, sw witness.SignedWitness) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOpTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO witnesses(id, signed_by_arbitrator, account_hash, signature, signer_pub_key, owner_pub_key, date, trade_amount)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		sw.ID(), sw.SignedByArbitrator, []byte(sw.AccountAgeWitnessHash), []byte(sw.Signature),
		[]byte(sw.SignerPubKey), []byte(sw.WitnessOwnerPubKey), sw.Date, sw.TradeAmount)
	if err != nil {
		return false, fmt.Errorf("failed to insert witness: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LoadAll returns every stored witness in insertion order
func (s *WitnessDB) LoadAll(ctx context.Context) ([]witness.SignedWitness, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT signed_by_arbitrator, account_hash, signature, signer_pub_key, owner_pub_key, date, trade_amount
		 FROM witnesses ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query witnesses: %w", err)
	}
	defer rows.Close()

	var out []witness.SignedWitness
	for rows.Next() {
		var sw witness.SignedWitness
		var hash, signature, signerKey, ownerKey []byte
		if err := rows.Scan(&sw.SignedByArbitrator, &hash, &signature, &signerKey, &ownerKey, &sw.Date, &sw.TradeAmount); err != nil {
			return nil, fmt.Errorf("failed to scan witness: %w", err)
		}
		sw.AccountAgeWitnessHash = hash
		sw.Signature = signature
		sw.SignerPubKey = signerKey
		sw.WitnessOwnerPubKey = ownerKey
		out = append(out, sw)
	}
	return out, rows.Err()
}

// Count returns the number of stored witnesses
func (s *WitnessDB) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOpTimeout)
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM witnesses`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close releases the database handle
func (s *WitnessDB) Close() error {
	return s.db.Close()
}

// AttachDatabase loads persisted witnesses into the store and appends every witness
// added afterwards. The node closes db on Shutdown.
func (node *WitnessNode) AttachDatabase(ctx context.Context, db *WitnessDB) error {
	stored, err := db.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load witnesses: %w", err)
	}

	rejected := 0
	for _, sw := range stored {
		if _, err := node.AddWitness(sw, SourceDatabase); err != nil {
			rejected++
			logger.Warn("Skipping stored witness", "witnessId", sw.ID(), "error", err)
		}
	}

	node.db = db
	node.unsubscribe = append(node.unsubscribe, node.store.Subscribe(func(sw witness.SignedWitness) {
		if _, err := db.Append(context.Background(), sw); err != nil {
			logger.Error("Failed to persist witness", "witnessId", sw.ID(), "error", err)
		}
	}))

	logger.Info("Loaded witnesses from database",
		"loaded", len(stored)-rejected,
		"rejected", rejected)
	return nil
}
