package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/nebula-cloud/nebula/catalog"
	"github.com/stretchr/testify/require"
)

func TestListFilesEmpty(t *testing.T) {
	d, _, _, _ := newTestCollection()
	req := httptest.NewRequest("GET", "/api/files", nil)
	rec := httptest.NewRecorder()
	d.ListFiles()(rec, req, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool              `json:"success"`
		Files   []json.RawMessage `json:"files"`
		Count   int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotNil(t, resp.Files)
	require.Zero(t, resp.Count)
	// empty list marshals as [], not null
	require.Contains(t, rec.Body.String(), `"files":[]`)
}

func TestListFilesRejectsBadUserID(t *testing.T) {
	d, _, _, _ := newTestCollection()
	req := httptest.NewRequest("GET", "/api/files?user_id=bob", nil)
	rec := httptest.NewRecorder()
	d.ListFiles()(rec, req, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetFileIncludesStorageInfo(t *testing.T) {
	d, cat, st, _ := newTestCollection()
	st.objects["uploads/2026/08/abc.mp4"] = make([]byte, 256)
	st.contentTypes["uploads/2026/08/abc.mp4"] = "video/mp4"
	cat.addFile(&catalog.File{Filename: "movie.mp4", ObjectKey: "uploads/2026/08/abc.mp4", Size: 256, MimeType: "video/mp4"})

	req := httptest.NewRequest("GET", "/api/files/1", nil)
	rec := httptest.NewRecorder()
	d.GetFile()(rec, req, httprouter.Params{{Key: "id", Value: "1"}})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success     bool `json:"success"`
		StorageInfo struct {
			Size        int64  `json:"size"`
			ContentType string `json:"content_type"`
			ETag        string `json:"etag"`
		} `json:"storage_info"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Equal(t, int64(256), resp.StorageInfo.Size)
	require.Equal(t, "video/mp4", resp.StorageInfo.ContentType)
	require.Equal(t, "etag", resp.StorageInfo.ETag)
}

func TestGetFileSurvivesStatFailure(t *testing.T) {
	d, cat, _, _ := newTestCollection()
	cat.addFile(&catalog.File{Filename: "movie.mp4", ObjectKey: "uploads/gone.mp4"})

	req := httptest.NewRequest("GET", "/api/files/1", nil)
	rec := httptest.NewRecorder()
	d.GetFile()(rec, req, httprouter.Params{{Key: "id", Value: "1"}})

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "storage_info")
}

func TestGetFileNotFound(t *testing.T) {
	d, _, _, _ := newTestCollection()
	req := httptest.NewRequest("GET", "/api/files/9", nil)
	rec := httptest.NewRecorder()
	d.GetFile()(rec, req, httprouter.Params{{Key: "id", Value: "9"}})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetFileBadID(t *testing.T) {
	d, _, _, _ := newTestCollection()
	req := httptest.NewRequest("GET", "/api/files/abc", nil)
	rec := httptest.NewRecorder()
	d.GetFile()(rec, req, httprouter.Params{{Key: "id", Value: "abc"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteFileRevokesJobsAndDeletesObjects(t *testing.T) {
	d, cat, st, q := newTestCollection()
	st.objects["uploads/2026/08/abc.mp4"] = []byte("original")
	st.objects["transcoded/1/movie_480p.mp4"] = []byte("variant")
	file := cat.addFile(&catalog.File{
		Filename:           "movie.mp4",
		ObjectKey:          "uploads/2026/08/abc.mp4",
		MimeType:           "video/mp4",
		TranscodedVariants: map[string]string{"480": "transcoded/1/movie_480p.mp4"},
	})
	taskID := "task-7"
	cat.addJob(&catalog.TranscodingJob{FileID: file.ID, TargetQuality: 720, Status: catalog.JobProcessing, QueueTaskID: &taskID})

	req := httptest.NewRequest("DELETE", "/api/files/1", nil)
	rec := httptest.NewRecorder()
	d.DeleteFile()(rec, req, httprouter.Params{{Key: "id", Value: "1"}})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "File deleted")
	require.Equal(t, []string{"task-7"}, q.revoked)
	require.ElementsMatch(t, []string{"uploads/2026/08/abc.mp4", "transcoded/1/movie_480p.mp4"}, st.deleted)
	require.Empty(t, st.objects)
	require.Empty(t, cat.files)
}

func TestDeleteFileNotFound(t *testing.T) {
	d, _, _, _ := newTestCollection()
	req := httptest.NewRequest("DELETE", "/api/files/3", nil)
	rec := httptest.NewRecorder()
	d.DeleteFile()(rec, req, httprouter.Params{{Key: "id", Value: "3"}})
	require.Equal(t, http.StatusNotFound, rec.Code)
}
