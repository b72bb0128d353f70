package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/nebula-cloud/nebula/errors"
	"github.com/stretchr/testify/require"
)

var fileColumnList = []string{
	"id", "filename", "object_key", "size_bytes", "mime_type", "content_hash",
	"description", "owner_id", "video_metadata", "transcoded_variants", "upload_date",
}

func newMockCatalog(t *testing.T) (*Catalog, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func fileRow(id int64, variants string) *sqlmock.Rows {
	var variantsValue interface{}
	if variants != "" {
		variantsValue = []byte(variants)
	}
	return sqlmock.NewRows(fileColumnList).
		AddRow(id, "movie.mp4", "uploads/2026/08/abc.mp4", int64(1024), "video/mp4",
			nil, nil, nil, nil, variantsValue, time.Now())
}

func TestInsertFile(t *testing.T) {
	cat, mock := newMockCatalog(t)

	mock.ExpectQuery("INSERT INTO files").
		WithArgs("movie.mp4", "uploads/2026/08/abc.mp4", int64(1024), "video/mp4", nil, nil, nil).
		WillReturnRows(fileRow(1, ""))

	file, err := cat.InsertFile(context.Background(), InsertFileParams{
		Filename:  "movie.mp4",
		ObjectKey: "uploads/2026/08/abc.mp4",
		Size:      1024,
		MimeType:  "video/mp4",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), file.ID)
	require.Equal(t, "uploads/2026/08/abc.mp4", file.ObjectKey)
	require.True(t, file.IsVideo())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertFileDuplicateKeyIsConflict(t *testing.T) {
	cat, mock := newMockCatalog(t)

	mock.ExpectQuery("INSERT INTO files").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := cat.InsertFile(context.Background(), InsertFileParams{
		Filename:  "movie.mp4",
		ObjectKey: "uploads/2026/08/abc.mp4",
		Size:      1024,
		MimeType:  "video/mp4",
	})
	require.ErrorIs(t, err, errors.ErrConflict)
}

func TestGetFileNotFound(t *testing.T) {
	cat, mock := newMockCatalog(t)

	mock.ExpectQuery("SELECT .+ FROM files WHERE id").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(fileColumnList))

	_, err := cat.GetFile(context.Background(), 99)
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestFileVariantHelpers(t *testing.T) {
	f := &File{TranscodedVariants: map[string]string{
		"720": "transcoded/1/movie_720p.mp4",
		"480": "transcoded/1/movie_480p.mp4",
	}}

	require.Equal(t, []int{480, 720}, f.AvailableQualities())

	key, ok := f.VariantKey(720)
	require.True(t, ok)
	require.Equal(t, "transcoded/1/movie_720p.mp4", key)

	_, ok = f.VariantKey(1080)
	require.False(t, ok)
}

func TestDeleteFile(t *testing.T) {
	cat, mock := newMockCatalog(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM files WHERE id = .+ FOR UPDATE").
		WithArgs(int64(1)).
		WillReturnRows(fileRow(1, `{"480": "transcoded/1/movie_480p.mp4"}`))
	mock.ExpectQuery("SELECT queue_task_id FROM transcoding_jobs").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"queue_task_id"}).AddRow("1700000000000-0"))
	mock.ExpectExec("DELETE FROM transcoding_jobs").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM files").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	deleted, err := cat.DeleteFile(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"transcoded/1/movie_480p.mp4"}, deleted.VariantKeys)
	require.Equal(t, []string{"1700000000000-0"}, deleted.RevokedTaskIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteFileNotFound(t *testing.T) {
	cat, mock := newMockCatalog(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM files WHERE id = .+ FOR UPDATE").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(fileColumnList))
	mock.ExpectRollback()

	_, err := cat.DeleteFile(context.Background(), 2)
	require.ErrorIs(t, err, errors.ErrNotFound)
}
