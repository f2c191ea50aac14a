package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// StoredFont is the metadata of one saved custom font bitmap.
type StoredFont struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Digest  string    `json:"digest"`
	Size    int       `json:"size"`
	AddedAt time.Time `json:"added_at"`
}

// FontRepo keeps custom font blobs and their metadata. Identical blobs are
// stored once, keyed by their BLAKE2b-256 digest.
type FontRepo struct {
	db *sql.DB
}

func NewFontRepo(db *sql.DB) *FontRepo {
	return &FontRepo{db: db}
}

// Digest returns the hex BLAKE2b-256 digest of data.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Save stores data under name. Saving the same bytes under the same name
// returns the existing entry; under another name it adds an entry that
// shares the stored blob.
func (r *FontRepo) Save(ctx context.Context, name string, data []byte) (StoredFont, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Custom Font"
	}
	digest := Digest(data)

	existing, err := r.byContent(ctx, name, digest)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return StoredFont{}, err
	}

	f := StoredFont{
		ID:      uuid.New(),
		Name:    name,
		Digest:  digest,
		Size:    len(data),
		AddedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return StoredFont{}, fmt.Errorf("begin save font: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO font_blobs(digest, data) VALUES(?, ?)
		ON CONFLICT(digest) DO NOTHING
	`, digest, data); err != nil {
		return StoredFont{}, fmt.Errorf("save font blob: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fonts(id, name, digest, size, added_at) VALUES(?, ?, ?, ?, ?)
	`, f.ID.String(), f.Name, f.Digest, f.Size, toUnixMillis(f.AddedAt)); err != nil {
		return StoredFont{}, fmt.Errorf("save font: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return StoredFont{}, fmt.Errorf("commit save font: %w", err)
	}
	return f, nil
}

// List returns all saved fonts, oldest first.
func (r *FontRepo) List(ctx context.Context) ([]StoredFont, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, digest, size, added_at
		FROM fonts
		ORDER BY added_at ASC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list fonts: %w", err)
	}
	defer rows.Close()

	out := make([]StoredFont, 0)
	for rows.Next() {
		f, err := scanFont(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fonts: %w", err)
	}
	return out, nil
}

// Load returns the metadata and blob for id.
func (r *FontRepo) Load(ctx context.Context, id uuid.UUID) (StoredFont, []byte, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT f.id, f.name, f.digest, f.size, f.added_at, b.data
		FROM fonts f JOIN font_blobs b ON b.digest = f.digest
		WHERE f.id = ?
	`, id.String())

	var (
		f       StoredFont
		idStr   string
		addedMs int64
		data    []byte
	)
	err := row.Scan(&idStr, &f.Name, &f.Digest, &f.Size, &addedMs, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredFont{}, nil, ErrNotFound
	}
	if err != nil {
		return StoredFont{}, nil, fmt.Errorf("load font: %w", err)
	}
	if f.ID, err = uuid.Parse(idStr); err != nil {
		return StoredFont{}, nil, fmt.Errorf("%w: font id %q", ErrCorrupt, idStr)
	}
	f.AddedAt = fromUnixMillis(addedMs).UTC()
	if Digest(data) != f.Digest {
		return StoredFont{}, nil, fmt.Errorf("%w: font %s digest mismatch", ErrCorrupt, f.ID)
	}
	return f, data, nil
}

// Rename changes the display name of a saved font.
func (r *FontRepo) Rename(ctx context.Context, id uuid.UUID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("rename font: empty name")
	}
	res, err := r.db.ExecContext(ctx, `UPDATE fonts SET name = ? WHERE id = ?`, name, id.String())
	if err != nil {
		return fmt.Errorf("rename font: %w", err)
	}
	return requireAffected(res)
}

// Delete removes a saved font and its blob once no other entry refers to it.
func (r *FontRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete font: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var digest string
	err = tx.QueryRowContext(ctx, `SELECT digest FROM fonts WHERE id = ?`, id.String()).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete font: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fonts WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("delete font: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM font_blobs
		WHERE digest = ? AND NOT EXISTS (SELECT 1 FROM fonts WHERE digest = ?)
	`, digest, digest); err != nil {
		return fmt.Errorf("delete font blob: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete font: %w", err)
	}
	return nil
}

func (r *FontRepo) byContent(ctx context.Context, name, digest string) (StoredFont, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, digest, size, added_at FROM fonts WHERE digest = ? AND name = ? LIMIT 1
	`, digest, name)
	f, err := scanFont(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredFont{}, ErrNotFound
	}
	return f, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFont(s scanner) (StoredFont, error) {
	var (
		f       StoredFont
		idStr   string
		addedMs int64
	)
	if err := s.Scan(&idStr, &f.Name, &f.Digest, &f.Size, &addedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StoredFont{}, err
		}
		return StoredFont{}, fmt.Errorf("scan font: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return StoredFont{}, fmt.Errorf("%w: font id %q", ErrCorrupt, idStr)
	}
	f.ID = id
	f.AddedAt = fromUnixMillis(addedMs).UTC()
	return f, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
