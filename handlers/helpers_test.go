package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"time"

	"github.com/nebula-cloud/nebula/catalog"
	"github.com/nebula-cloud/nebula/errors"
	"github.com/nebula-cloud/nebula/queue"
	"github.com/nebula-cloud/nebula/store"
	"github.com/nebula-cloud/nebula/video"
)

// fakeCatalog is an in-memory Catalog for handler tests.
type fakeCatalog struct {
	files   map[int64]*catalog.File
	jobs    map[int64]*catalog.TranscodingJob
	nextID  int64
	pingErr error

	deletedFiles []int64
	taskIDs      map[int64]string

	createdJobs  []*catalog.TranscodingJob
	skipped      []catalog.SkippedQuality
	createErr    error
	enqueuedJobs int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		files:   map[int64]*catalog.File{},
		jobs:    map[int64]*catalog.TranscodingJob{},
		taskIDs: map[int64]string{},
		nextID:  1,
	}
}

func (f *fakeCatalog) addFile(file *catalog.File) *catalog.File {
	if file.ID == 0 {
		file.ID = f.nextID
		f.nextID++
	}
	if file.UploadDate.IsZero() {
		file.UploadDate = time.Now()
	}
	f.files[file.ID] = file
	return file
}

func (f *fakeCatalog) addJob(job *catalog.TranscodingJob) *catalog.TranscodingJob {
	if job.ID == 0 {
		job.ID = f.nextID
		f.nextID++
	}
	f.jobs[job.ID] = job
	return job
}

func (f *fakeCatalog) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeCatalog) InsertFile(ctx context.Context, p catalog.InsertFileParams) (*catalog.File, error) {
	for _, existing := range f.files {
		if existing.ObjectKey == p.ObjectKey {
			return nil, errors.Conflict("object key %q already registered", p.ObjectKey)
		}
	}
	return f.addFile(&catalog.File{
		Filename:    p.Filename,
		ObjectKey:   p.ObjectKey,
		Size:        p.Size,
		MimeType:    p.MimeType,
		ContentHash: p.ContentHash,
		Description: p.Description,
		OwnerID:     p.OwnerID,
	}), nil
}

func (f *fakeCatalog) GetFile(ctx context.Context, id int64) (*catalog.File, error) {
	file, ok := f.files[id]
	if !ok {
		return nil, errors.NotFound("file %d", id)
	}
	return file, nil
}

func (f *fakeCatalog) ListFiles(ctx context.Context, offset, limit int, ownerID *int64) ([]*catalog.File, error) {
	var out []*catalog.File
	for _, file := range f.files {
		out = append(out, file)
	}
	return out, nil
}

func (f *fakeCatalog) DeleteFile(ctx context.Context, id int64) (*catalog.DeletedFile, error) {
	file, ok := f.files[id]
	if !ok {
		return nil, errors.NotFound("file %d", id)
	}
	delete(f.files, id)
	f.deletedFiles = append(f.deletedFiles, id)
	deleted := &catalog.DeletedFile{File: file}
	for _, key := range file.TranscodedVariants {
		deleted.VariantKeys = append(deleted.VariantKeys, key)
	}
	for _, job := range f.jobs {
		if job.FileID == id && !job.Status.Terminal() && job.QueueTaskID != nil {
			deleted.RevokedTaskIDs = append(deleted.RevokedTaskIDs, *job.QueueTaskID)
		}
	}
	return deleted, nil
}

func (f *fakeCatalog) SetVideoMetadata(ctx context.Context, id int64, metadata json.RawMessage) error {
	file, ok := f.files[id]
	if !ok {
		return errors.NotFound("file %d", id)
	}
	file.VideoMetadata = metadata
	return nil
}

func (f *fakeCatalog) CreateJobs(ctx context.Context, fileID int64, qualities []int) ([]*catalog.TranscodingJob, []catalog.SkippedQuality, error) {
	if f.createErr != nil {
		return nil, nil, f.createErr
	}
	if f.createdJobs != nil || f.skipped != nil {
		return f.createdJobs, f.skipped, nil
	}
	var created []*catalog.TranscodingJob
	for _, q := range qualities {
		created = append(created, f.addJob(&catalog.TranscodingJob{
			FileID:        fileID,
			TargetQuality: q,
			Status:        catalog.JobPending,
		}))
	}
	return created, nil, nil
}

func (f *fakeCatalog) SetJobTaskID(ctx context.Context, jobID int64, taskID string) error {
	job, ok := f.jobs[jobID]
	if !ok {
		return errors.NotFound("job %d", jobID)
	}
	job.QueueTaskID = &taskID
	f.taskIDs[jobID] = taskID
	return nil
}

func (f *fakeCatalog) TransitionJob(ctx context.Context, jobID int64, from []catalog.JobStatus, to catalog.JobStatus, patch catalog.JobPatch) (*catalog.TranscodingJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, errors.NotFound("job %d", jobID)
	}
	allowed := false
	for _, s := range from {
		if job.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return nil, errors.Conflict("job %d is not in %v", jobID, from)
	}
	job.Status = to
	if patch.ErrorMessage != nil {
		job.ErrorMessage = patch.ErrorMessage
	}
	return job, nil
}

func (f *fakeCatalog) GetJob(ctx context.Context, jobID int64) (*catalog.TranscodingJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, errors.NotFound("job %d", jobID)
	}
	return job, nil
}

func (f *fakeCatalog) JobsForFile(ctx context.Context, fileID int64) ([]*catalog.TranscodingJob, error) {
	var out []*catalog.TranscodingJob
	for _, job := range f.jobs {
		if job.FileID == fileID {
			out = append(out, job)
		}
	}
	return out, nil
}

func (f *fakeCatalog) ListJobs(ctx context.Context, status *catalog.JobStatus, offset, limit int) ([]*catalog.TranscodingJob, int, error) {
	var out []*catalog.TranscodingJob
	for _, job := range f.jobs {
		if status == nil || job.Status == *status {
			out = append(out, job)
		}
	}
	return out, len(out), nil
}

// fakeStore keeps objects in memory.
type fakeStore struct {
	objects      map[string][]byte
	contentTypes map[string]string
	deleted      []string
	putErr       error
	presignErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, contentTypes: map[string]string{}}
}

func (s *fakeStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	if s.putErr != nil {
		return s.putErr
	}
	data, err := ioutil.ReadAll(reader)
	if err != nil {
		return err
	}
	s.objects[key] = data
	s.contentTypes[key] = contentType
	return nil
}

func (s *fakeStore) Stat(ctx context.Context, key string) (store.ObjectInfo, error) {
	data, ok := s.objects[key]
	if !ok {
		return store.ObjectInfo{}, errors.NotFound("object %q", key)
	}
	return store.ObjectInfo{
		Size:         int64(len(data)),
		ContentType:  s.contentTypes[key],
		ETag:         "etag",
		LastModified: time.Now(),
	}, nil
}

func (s *fakeStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.NotFound("object %q", key)
	}
	return ioutil.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStore) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.NotFound("object %q", key)
	}
	end := offset + length
	if length == 0 || end > int64(len(data)) {
		end = int64(len(data))
	}
	return ioutil.NopCloser(bytes.NewReader(data[offset:end])), nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeStore) PresignPut(ctx context.Context, key string, hint store.NetworkHint) (string, error) {
	if s.presignErr != nil {
		return "", s.presignErr
	}
	return fmt.Sprintf("http://minio.test/%s?signature=abc&network=%s", key, hint), nil
}

func (s *fakeStore) PresignGet(ctx context.Context, key string, hint store.NetworkHint, opts store.PresignGetOptions) (string, error) {
	if s.presignErr != nil {
		return "", s.presignErr
	}
	return fmt.Sprintf("http://minio.test/%s?signature=abc", key), nil
}

// fakeQueue records enqueued tasks and revocations.
type fakeQueue struct {
	tasks      []queue.Task
	revoked    []string
	enqueueErr error
	pingErr    error
}

func (q *fakeQueue) Ping(ctx context.Context) error { return q.pingErr }

func (q *fakeQueue) Enqueue(ctx context.Context, task queue.Task) (string, error) {
	if q.enqueueErr != nil {
		return "", q.enqueueErr
	}
	q.tasks = append(q.tasks, task)
	return fmt.Sprintf("task-%d", len(q.tasks)), nil
}

func (q *fakeQueue) Revoke(ctx context.Context, taskID string) error {
	q.revoked = append(q.revoked, taskID)
	return nil
}

// fakeProber returns fixed metadata.
type fakeProber struct {
	info video.MediaInfo
	err  error
}

func (p fakeProber) ProbeFile(ctx context.Context, url string) (video.MediaInfo, error) {
	return p.info, p.err
}

func newTestCollection() (*NebulaAPIHandlersCollection, *fakeCatalog, *fakeStore, *fakeQueue) {
	cat := newFakeCatalog()
	st := newFakeStore()
	q := &fakeQueue{}
	d := &NebulaAPIHandlersCollection{
		Catalog: cat,
		Store:   st,
		Queue:   q,
		Prober:  fakeProber{info: video.MediaInfo{DurationSec: 12.5, Width: 1920, Height: 1080, Codec: "h264"}},
	}
	return d, cat, st, q
}
