package handlers

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/nebula-cloud/nebula/catalog"
	"github.com/nebula-cloud/nebula/config"
	"github.com/nebula-cloud/nebula/log"
	"github.com/nebula-cloud/nebula/queue"
	"github.com/nebula-cloud/nebula/store"
	"github.com/nebula-cloud/nebula/video"
)

// Catalog is the metadata surface the handlers need. *catalog.Catalog
// implements it; tests substitute fakes.
type Catalog interface {
	Ping(ctx context.Context) error
	InsertFile(ctx context.Context, p catalog.InsertFileParams) (*catalog.File, error)
	GetFile(ctx context.Context, id int64) (*catalog.File, error)
	ListFiles(ctx context.Context, offset, limit int, ownerID *int64) ([]*catalog.File, error)
	DeleteFile(ctx context.Context, id int64) (*catalog.DeletedFile, error)
	SetVideoMetadata(ctx context.Context, id int64, metadata json.RawMessage) error
	CreateJobs(ctx context.Context, fileID int64, qualities []int) ([]*catalog.TranscodingJob, []catalog.SkippedQuality, error)
	SetJobTaskID(ctx context.Context, jobID int64, taskID string) error
	TransitionJob(ctx context.Context, jobID int64, from []catalog.JobStatus, to catalog.JobStatus, patch catalog.JobPatch) (*catalog.TranscodingJob, error)
	GetJob(ctx context.Context, jobID int64) (*catalog.TranscodingJob, error)
	JobsForFile(ctx context.Context, fileID int64) ([]*catalog.TranscodingJob, error)
	ListJobs(ctx context.Context, status *catalog.JobStatus, offset, limit int) ([]*catalog.TranscodingJob, int, error)
}

// ObjectStore is the byte-moving surface the handlers need.
type ObjectStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Stat(ctx context.Context, key string) (store.ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	PresignPut(ctx context.Context, key string, hint store.NetworkHint) (string, error)
	PresignGet(ctx context.Context, key string, hint store.NetworkHint, opts store.PresignGetOptions) (string, error)
}

// TaskQueue hands created jobs to the transcoder workers.
type TaskQueue interface {
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, task queue.Task) (string, error)
	Revoke(ctx context.Context, taskID string) error
}

type NebulaAPIHandlersCollection struct {
	Catalog Catalog
	Store   ObjectStore
	Queue   TaskQueue
	Prober  video.Prober

	// Host battery capacity file surfaced on /health, empty to disable.
	BatteryPath string
}

func (d *NebulaAPIHandlersCollection) Ok() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		io.WriteString(w, "OK")
	}
}

// Index serves the service banner on /.
func (d *NebulaAPIHandlersCollection) Index() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]string{
			"system":  "Nebula Media Cloud",
			"status":  "running",
			"version": config.Version,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.LogNoID("error writing response body", "err", err)
	}
}

func HasContentType(r *http.Request, mimetype string) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return mimetype == "application/octet-stream"
	}

	for _, v := range strings.Split(contentType, ",") {
		t, _, err := mime.ParseMediaType(v)
		if err != nil {
			break
		}
		if t == mimetype {
			return true
		}
	}
	return false
}
