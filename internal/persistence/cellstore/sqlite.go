// Package cellstore is the durable home of the shared world store: one row
// per saved cell plus a key/value meta table holding the registry blob.
package cellstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"shipyard.ai/internal/sim/claim"
	"shipyard.ai/internal/sim/terrain/store"
)

const schemaVersion = "1"

type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cells (
			cx INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			blocks BLOB NOT NULL,
			tiles TEXT NOT NULL DEFAULT '[]',
			flags INTEGER NOT NULL DEFAULT 0,
			owner TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (cx, cz)
		);`,
		`CREATE INDEX IF NOT EXISTS cells_owner ON cells(owner) WHERE owner <> '';`,
		`INSERT OR IGNORE INTO meta(key, value) VALUES('schema_version', '` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) PutMeta(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key, value) VALUES(?, ?)`, key, value)
	return err
}

func (s *SQLite) GetMeta(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// LoadCell returns store.ErrCellNotFound for a cell that was never saved.
// Unreadable tile data yields the cell without tiles and an error wrapping
// store.ErrTileData.
func (s *SQLite) LoadCell(ctx context.Context, pos claim.Cell) (*store.Cell, error) {
	var (
		blocks []byte
		tiles  string
		flags  int64
		owner  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT blocks, tiles, flags, owner FROM cells WHERE cx = ? AND cz = ?`, pos.X, pos.Z,
	).Scan(&blocks, &tiles, &flags, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrCellNotFound
	}
	if err != nil {
		return nil, err
	}

	c := &store.Cell{Pos: pos, Flags: store.Flags(flags)}
	if c.Blocks, err = decodeBlocks(blocks); err != nil {
		return nil, fmt.Errorf("cell %s: %w", pos, err)
	}
	if owner != "" {
		if c.Owner, err = uuid.Parse(owner); err != nil {
			return nil, fmt.Errorf("cell %s: owner: %w", pos, err)
		}
	}
	if c.Tiles, err = decodeTiles(tiles); err != nil {
		return c, fmt.Errorf("cell %s: %w: %v", pos, store.ErrTileData, err)
	}
	return c, nil
}

// SaveCells writes cells in one transaction. A cell whose tiles could not be
// read keeps the tiles already stored for it.
func (s *SQLite) SaveCells(ctx context.Context, cells []*store.Cell) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	full, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO cells(cx, cz, blocks, tiles, flags, owner) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer full.Close()
	blocksOnly, err := tx.PrepareContext(ctx,
		`INSERT INTO cells(cx, cz, blocks, flags, owner) VALUES(?,?,?,?,?)
		 ON CONFLICT(cx, cz) DO UPDATE SET blocks = excluded.blocks, flags = excluded.flags, owner = excluded.owner`)
	if err != nil {
		return err
	}
	defer blocksOnly.Close()

	for _, c := range cells {
		owner := ""
		if c.Owner != uuid.Nil {
			owner = c.Owner.String()
		}
		if c.TilesLost() {
			if _, err := blocksOnly.ExecContext(ctx, c.Pos.X, c.Pos.Z, encodeBlocks(c.Blocks), int64(c.Flags), owner); err != nil {
				return fmt.Errorf("cell %s: %w", c.Pos, err)
			}
			continue
		}
		tiles, err := encodeTiles(c.Tiles)
		if err != nil {
			return fmt.Errorf("cell %s: %w", c.Pos, err)
		}
		if _, err := full.ExecContext(ctx, c.Pos.X, c.Pos.Z, encodeBlocks(c.Blocks), tiles, int64(c.Flags), owner); err != nil {
			return fmt.Errorf("cell %s: %w", c.Pos, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) CountCells(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cells`).Scan(&n)
	return n, err
}

// OwnedCells lists the saved cells stamped with owner.
func (s *SQLite) OwnedCells(ctx context.Context, owner uuid.UUID) ([]claim.Cell, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cx, cz FROM cells WHERE owner = ? ORDER BY cx, cz`, owner.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []claim.Cell
	for rows.Next() {
		var c claim.Cell
		if err := rows.Scan(&c.X, &c.Z); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func encodeBlocks(blocks []uint16) []byte {
	b := make([]byte, 2*len(blocks))
	for i, v := range blocks {
		binary.LittleEndian.PutUint16(b[2*i:], v)
	}
	return b
}

func decodeBlocks(b []byte) ([]uint16, error) {
	const want = 2 * claim.CellSide * claim.CellSide
	if len(b) != want {
		return nil, fmt.Errorf("blocks blob is %d bytes, want %d", len(b), want)
	}
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return out, nil
}

func encodeTiles(tiles map[int]store.TileEntity) (string, error) {
	keys := make([]int, 0, len(tiles))
	for k := range tiles {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	list := make([]store.TileEntity, 0, len(keys))
	for _, k := range keys {
		list = append(list, tiles[k])
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeTiles(s string) (map[int]store.TileEntity, error) {
	var list []store.TileEntity
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	out := make(map[int]store.TileEntity, len(list))
	for _, t := range list {
		if t.LX < 0 || t.LX >= claim.CellSide || t.LZ < 0 || t.LZ >= claim.CellSide {
			return nil, fmt.Errorf("tile at (%d,%d) outside cell", t.LX, t.LZ)
		}
		out[t.LX+t.LZ*claim.CellSide] = t
	}
	return out, nil
}
