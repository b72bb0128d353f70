package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nebula-cloud/nebula/config"
	"github.com/nebula-cloud/nebula/errors"
)

// File is the authoritative metadata record of one uploaded object. The
// object key persists as long as the row does, and size always equals the
// size the object store reported at registration time.
type File struct {
	ID                 int64             `json:"id"`
	Filename           string            `json:"filename"`
	ObjectKey          string            `json:"file_path"`
	Size               int64             `json:"size"`
	MimeType           string            `json:"mime_type"`
	ContentHash        *string           `json:"file_hash,omitempty"`
	Description        *string           `json:"description"`
	OwnerID            *int64            `json:"user_id"`
	VideoMetadata      json.RawMessage   `json:"video_metadata,omitempty"`
	TranscodedVariants map[string]string `json:"transcoded_variants,omitempty"`
	UploadDate         time.Time         `json:"upload_date"`
}

func (f *File) IsVideo() bool {
	return strings.HasPrefix(f.MimeType, "video/")
}

// AvailableQualities lists the target heights that already have a published
// variant, ascending.
func (f *File) AvailableQualities() []int {
	qualities := make([]int, 0, len(f.TranscodedVariants))
	for q := range f.TranscodedVariants {
		if n, err := strconv.Atoi(q); err == nil {
			qualities = append(qualities, n)
		}
	}
	sort.Ints(qualities)
	return qualities
}

// VariantKey returns the object key of the variant at the given quality.
func (f *File) VariantKey(quality int) (string, bool) {
	key, ok := f.TranscodedVariants[strconv.Itoa(quality)]
	return key, ok
}

type InsertFileParams struct {
	Filename    string
	ObjectKey   string
	Size        int64
	MimeType    string
	ContentHash *string
	Description *string
	OwnerID     *int64
}

const fileColumns = `id, filename, object_key, size_bytes, mime_type, content_hash, description, owner_id, video_metadata, transcoded_variants, upload_date`

func scanFile(row interface{ Scan(...interface{}) error }) (*File, error) {
	var (
		f        File
		hash     sql.NullString
		desc     sql.NullString
		owner    sql.NullInt64
		meta     []byte
		variants []byte
	)
	err := row.Scan(&f.ID, &f.Filename, &f.ObjectKey, &f.Size, &f.MimeType, &hash, &desc, &owner, &meta, &variants, &f.UploadDate)
	if err != nil {
		return nil, err
	}
	if hash.Valid {
		f.ContentHash = &hash.String
	}
	if desc.Valid {
		f.Description = &desc.String
	}
	if owner.Valid {
		f.OwnerID = &owner.Int64
	}
	if len(meta) > 0 {
		f.VideoMetadata = json.RawMessage(meta)
	}
	if len(variants) > 0 {
		if err := json.Unmarshal(variants, &f.TranscodedVariants); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

// InsertFile registers an uploaded object. A duplicate object key surfaces as
// ErrConflict, not as a generic database failure.
func (c *Catalog) InsertFile(ctx context.Context, p InsertFileParams) (*File, error) {
	row := c.db.QueryRowContext(ctx, `
		INSERT INTO files (filename, object_key, size_bytes, mime_type, content_hash, description, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+fileColumns,
		p.Filename, p.ObjectKey, p.Size, p.MimeType,
		nullString(p.ContentHash), nullString(p.Description), nullInt64(p.OwnerID))
	f, err := scanFile(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Conflict("object key %q already registered", p.ObjectKey)
		}
		return nil, err
	}
	return f, nil
}

func (c *Catalog) GetFile(ctx context.Context, id int64) (*File, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("file %d", id)
	}
	return f, err
}

// ListFiles returns files ordered by upload date descending. The limit is
// clamped to 1..100.
func (c *Catalog) ListFiles(ctx context.Context, offset, limit int, ownerID *int64) ([]*File, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > config.ListPageLimit {
		limit = config.ListPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE ($3::bigint IS NULL OR owner_id = $3)
		ORDER BY upload_date DESC, id DESC
		LIMIT $1 OFFSET $2`, limit, offset, nullInt64(ownerID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeletedFile reports what a successful DeleteFile removed, so the caller can
// clean up the object store and revoke in-flight queue tasks.
type DeletedFile struct {
	File           *File
	VariantKeys    []string
	RevokedTaskIDs []string
}

// DeleteFile removes the file row and all its jobs in one transaction.
// Non-terminal jobs are returned so the caller can revoke their queue tasks;
// terminal job rows go with the file and that is logged by the caller.
func (c *Catalog) DeleteFile(ctx context.Context, id int64) (*DeletedFile, error) {
	var deleted DeletedFile
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1 FOR UPDATE`, id)
		f, err := scanFile(row)
		if err == sql.ErrNoRows {
			return errors.NotFound("file %d", id)
		}
		if err != nil {
			return err
		}
		deleted.File = f
		for _, key := range f.TranscodedVariants {
			deleted.VariantKeys = append(deleted.VariantKeys, key)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT queue_task_id FROM transcoding_jobs
			WHERE file_id = $1 AND status IN ('pending', 'processing') AND queue_task_id IS NOT NULL`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var taskID string
			if err := rows.Scan(&taskID); err != nil {
				return err
			}
			deleted.RevokedTaskIDs = append(deleted.RevokedTaskIDs, taskID)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM transcoding_jobs WHERE file_id = $1`, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &deleted, nil
}

// SetVideoMetadata attaches the container/stream probe result to a file.
func (c *Catalog) SetVideoMetadata(ctx context.Context, id int64, metadata json.RawMessage) error {
	res, err := c.db.ExecContext(ctx, `UPDATE files SET video_metadata = $2 WHERE id = $1`, id, []byte(metadata))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("file %d", id)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}
