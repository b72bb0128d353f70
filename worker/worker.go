package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nebula-cloud/nebula/catalog"
	"github.com/nebula-cloud/nebula/config"
	"github.com/nebula-cloud/nebula/errors"
	"github.com/nebula-cloud/nebula/log"
	"github.com/nebula-cloud/nebula/metrics"
	"github.com/nebula-cloud/nebula/queue"
	"github.com/nebula-cloud/nebula/store"
	"github.com/nebula-cloud/nebula/video"
)

const (
	// How often the revocation flag is polled while encoding.
	revokePollInterval = 2 * time.Second
	// Deadline for terminal catalog updates and acks after the job context
	// has already expired.
	cleanupTimeout = 30 * time.Second
)

// Catalog is the metadata surface the worker needs.
type Catalog interface {
	GetJob(ctx context.Context, jobID int64) (*catalog.TranscodingJob, error)
	GetFile(ctx context.Context, id int64) (*catalog.File, error)
	TransitionJob(ctx context.Context, jobID int64, from []catalog.JobStatus, to catalog.JobStatus, patch catalog.JobPatch) (*catalog.TranscodingJob, error)
	UpdateJobProgress(ctx context.Context, jobID int64, progress float64) error
	CompleteJob(ctx context.Context, jobID int64, outputKey string, outputSize int64, metadata json.RawMessage) (*catalog.TranscodingJob, error)
}

// ObjectStore is the byte-moving surface the worker needs.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
}

// TaskSource delivers tasks and carries the revocation and progress
// side-channels.
type TaskSource interface {
	Consume(ctx context.Context, consumer string) (<-chan queue.Delivery, error)
	Ack(ctx context.Context, taskID string) error
	IsRevoked(ctx context.Context, taskID string) (bool, error)
	PublishProgress(ctx context.Context, event queue.ProgressEvent) error
}

// EncodeSession mirrors *video.EncodeSession for substitution in tests.
type EncodeSession interface {
	Progress() <-chan float64
	Wait() error
	Terminate()
	StderrTail() string
}

type Encoder interface {
	Start(requestID, inputPath, outputPath string, preset video.Preset) (EncodeSession, error)
}

// Worker consumes transcoding tasks and turns each pending job into a
// completed row with a durable variant, or a failed/cancelled row. Per-job
// failures never crash the process.
type Worker struct {
	Catalog Catalog
	Store   ObjectStore
	Queue   TaskSource
	Prober  video.Prober
	Encoder Encoder

	Consumer    string
	Concurrency int
	JobTimeout  time.Duration
	ScratchDir  string
}

func (w *Worker) concurrency() int {
	if w.Concurrency < 1 {
		return 1
	}
	return w.Concurrency
}

func (w *Worker) jobTimeout() time.Duration {
	if w.JobTimeout <= 0 {
		return config.DefaultJobTimeout
	}
	return w.JobTimeout
}

// Run consumes tasks until ctx is cancelled, handling up to Concurrency jobs
// at once. In-flight jobs are allowed to observe the cancellation themselves.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.Queue.Consume(ctx, w.Consumer)
	if err != nil {
		return err
	}
	log.LogNoID("worker consuming", "consumer", w.Consumer, "concurrency", w.concurrency())

	var wg sync.WaitGroup
	slots := make(chan struct{}, w.concurrency())
	for delivery := range deliveries {
		slots <- struct{}{}
		wg.Add(1)
		go func(delivery queue.Delivery) {
			defer wg.Done()
			defer func() { <-slots }()
			w.handle(ctx, delivery)
		}(delivery)
	}
	wg.Wait()
	return ctx.Err()
}

// handle runs one delivery end to end. The task is acked on every path
// except a transient failure to load the job, where redelivery is the retry.
func (w *Worker) handle(ctx context.Context, delivery queue.Delivery) {
	task := delivery.Task
	jobScope := fmt.Sprintf("job-%d-%s", task.JobID, config.RandomTrailer(4))
	log.AddContext(jobScope, "job_id", task.JobID, "file_id", task.FileID, "quality", task.Quality, "task_id", delivery.TaskID)

	job, err := w.Catalog.GetJob(ctx, task.JobID)
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			// File and jobs deleted while the task was queued.
			log.Log(jobScope, "job row gone, dropping task")
			w.ack(jobScope, delivery.TaskID)
			return
		}
		log.LogError(jobScope, "loading job failed, leaving task for redelivery", err)
		return
	}
	if job.Status.Terminal() {
		log.Log(jobScope, "job already terminal, dropping task", "status", job.Status)
		w.ack(jobScope, delivery.TaskID)
		return
	}

	taskID := delivery.TaskID
	if _, err := w.Catalog.TransitionJob(ctx, job.ID,
		[]catalog.JobStatus{catalog.JobPending}, catalog.JobProcessing,
		catalog.JobPatch{QueueTaskID: &taskID}); err != nil {
		// Someone else claimed it, or it was cancelled between the terminal
		// check and here.
		log.Log(jobScope, "job not pending, dropping task", "err", err)
		w.ack(jobScope, delivery.TaskID)
		return
	}

	start := time.Now()
	outcome := w.process(ctx, jobScope, delivery, job)
	metrics.Metrics.TranscodeJobOutcomes.WithLabelValues(outcome).Inc()
	metrics.Metrics.TranscodeJobDurationSec.Observe(time.Since(start).Seconds())
	log.Log(jobScope, "job finished", "outcome", outcome, "duration", time.Since(start))
	w.ack(jobScope, delivery.TaskID)
}

// process takes a job already in processing to a terminal state and reports
// the outcome label.
func (w *Worker) process(ctx context.Context, jobScope string, delivery queue.Delivery, job *catalog.TranscodingJob) string {
	scratch, err := os.MkdirTemp(w.ScratchDir, fmt.Sprintf("nebula-job-%d-", job.ID))
	if err != nil {
		return w.failJob(jobScope, job.ID, fmt.Sprintf("creating scratch dir: %s", err))
	}
	defer os.RemoveAll(scratch)

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout())
	defer cancel()

	file, err := w.Catalog.GetFile(jobCtx, job.FileID)
	if err != nil {
		return w.failJob(jobScope, job.ID, fmt.Sprintf("loading file %d: %s", job.FileID, err))
	}
	preset, ok := video.PresetFor(job.TargetQuality)
	if !ok {
		return w.failJob(jobScope, job.ID, fmt.Sprintf("unknown quality %d", job.TargetQuality))
	}

	sourcePath := filepath.Join(scratch, "source"+filepath.Ext(file.ObjectKey))
	if err := w.download(jobCtx, file.ObjectKey, sourcePath); err != nil {
		return w.failJob(jobScope, job.ID, fmt.Sprintf("downloading source: %s", err))
	}

	sourceInfo, err := w.Prober.ProbeFile(jobCtx, sourcePath)
	if err != nil {
		return w.failJob(jobScope, job.ID, fmt.Sprintf("probing source: %s", err))
	}
	log.Log(jobScope, "source probed", "duration", sourceInfo.DurationSec, "codec", sourceInfo.Codec, "width", sourceInfo.Width, "height", sourceInfo.Height)

	outputPath := filepath.Join(scratch, fmt.Sprintf("%dp.mp4", job.TargetQuality))
	session, err := w.Encoder.Start(jobScope, sourcePath, outputPath, preset)
	if err != nil {
		return w.failJob(jobScope, job.ID, fmt.Sprintf("starting encoder: %s", err))
	}

	revoked := w.superviseEncode(jobCtx, jobScope, delivery, job, session, sourceInfo.DurationSec)
	waitErr := session.Wait()

	switch {
	case revoked:
		return w.cancelJob(jobScope, job.ID, "Cancelled by user")
	case jobCtx.Err() == context.DeadlineExceeded:
		return w.failJob(jobScope, job.ID, "time limit exceeded")
	case ctx.Err() != nil:
		return w.failJob(jobScope, job.ID, "worker shut down during processing")
	case waitErr != nil:
		msg := fmt.Sprintf("encoder failed: %s", waitErr)
		if tail := session.StderrTail(); tail != "" {
			msg = fmt.Sprintf("%s: %s", msg, tail)
		}
		return w.failJob(jobScope, job.ID, msg)
	}

	return w.publish(jobCtx, jobScope, job, file, outputPath)
}

// superviseEncode relays progress and watches for revocation and deadlines
// until the encoder's progress channel closes. Returns whether the job was
// revoked.
func (w *Worker) superviseEncode(jobCtx context.Context, jobScope string, delivery queue.Delivery, job *catalog.TranscodingJob, session EncodeSession, durationSec float64) bool {
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-jobCtx.Done():
			session.Terminate()
		case <-watchDone:
		}
	}()

	var (
		revoked        bool
		lastPercent    float64
		lastRevokePoll time.Time
	)
	for seconds := range session.Progress() {
		if !revoked && time.Since(lastRevokePoll) >= revokePollInterval {
			lastRevokePoll = time.Now()
			if yes, err := w.Queue.IsRevoked(jobCtx, delivery.TaskID); err == nil && yes {
				revoked = true
				log.Log(jobScope, "revocation observed, terminating encoder")
				session.Terminate()
				continue
			}
		}
		if durationSec <= 0 {
			continue
		}
		percent := seconds / durationSec * 100
		if percent > 99 {
			// 100 is reserved for the completion transition.
			percent = 99
		}
		if percent-lastPercent < 1 {
			continue
		}
		lastPercent = percent
		if err := w.Catalog.UpdateJobProgress(jobCtx, job.ID, percent); err != nil {
			log.LogError(jobScope, "updating progress failed", err)
		}
		if err := w.Queue.PublishProgress(jobCtx, queue.ProgressEvent{
			TaskID:   delivery.TaskID,
			JobID:    job.ID,
			Progress: percent,
		}); err != nil {
			log.LogError(jobScope, "publishing progress failed", err)
		}
	}
	return revoked
}

// publish probes the finished output, uploads it and commits the completion
// atomically with the variant pointer.
func (w *Worker) publish(jobCtx context.Context, jobScope string, job *catalog.TranscodingJob, file *catalog.File, outputPath string) string {
	outputInfo, err := w.Prober.ProbeFile(jobCtx, outputPath)
	if err != nil {
		return w.failJob(jobScope, job.ID, fmt.Sprintf("probing output: %s", err))
	}
	output, err := os.Open(outputPath)
	if err != nil {
		return w.failJob(jobScope, job.ID, fmt.Sprintf("opening output: %s", err))
	}
	defer output.Close()
	stat, err := output.Stat()
	if err != nil {
		return w.failJob(jobScope, job.ID, fmt.Sprintf("sizing output: %s", err))
	}

	variantKey := store.VariantKey(file.ID, file.Filename, job.TargetQuality)
	if err := w.Store.Put(jobCtx, variantKey, output, stat.Size(), "video/mp4"); err != nil {
		return w.failJob(jobScope, job.ID, fmt.Sprintf("uploading variant: %s", err))
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := w.Catalog.CompleteJob(cleanupCtx, job.ID, variantKey, stat.Size(), outputInfo.JSON()); err != nil {
		// A cancel raced the upload; the variant object must not outlive the
		// job row that would have referenced it.
		if delErr := w.Store.Delete(cleanupCtx, variantKey); delErr != nil {
			log.LogError(jobScope, "deleting unreferenced variant failed", delErr, "object_key", variantKey)
		}
		log.LogError(jobScope, "completing job failed", err)
		return "lost"
	}
	log.Log(jobScope, "variant published", "object_key", variantKey, "size", stat.Size())
	return "completed"
}

func (w *Worker) download(ctx context.Context, key, destPath string) error {
	rc, err := w.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()
	if _, err := store.CopyChunks(dest, rc); err != nil {
		return err
	}
	return dest.Sync()
}

// failJob moves a processing job to failed. Conflicts mean another actor got
// to a terminal state first, which is fine.
func (w *Worker) failJob(jobScope string, jobID int64, message string) string {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := w.Catalog.TransitionJob(ctx, jobID,
		[]catalog.JobStatus{catalog.JobProcessing}, catalog.JobFailed,
		catalog.JobPatch{ErrorMessage: &message}); err != nil {
		log.LogError(jobScope, "failing job failed", err)
		return "lost"
	}
	log.Log(jobScope, "job failed", "error_message", message)
	return "failed"
}

func (w *Worker) cancelJob(jobScope string, jobID int64, message string) string {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := w.Catalog.TransitionJob(ctx, jobID,
		[]catalog.JobStatus{catalog.JobPending, catalog.JobProcessing}, catalog.JobCancelled,
		catalog.JobPatch{ErrorMessage: &message}); err != nil && !stderrors.Is(err, errors.ErrConflict) {
		log.LogError(jobScope, "cancelling job failed", err)
		return "lost"
	}
	return "cancelled"
}

func (w *Worker) ack(jobScope, taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := w.Queue.Ack(ctx, taskID); err != nil {
		log.LogError(jobScope, "acking task failed", err, "task_id", taskID)
	}
}
