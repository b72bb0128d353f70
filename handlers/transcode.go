package handlers

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/nebula-cloud/nebula/catalog"
	"github.com/nebula-cloud/nebula/config"
	"github.com/nebula-cloud/nebula/errors"
	"github.com/nebula-cloud/nebula/log"
	"github.com/nebula-cloud/nebula/metrics"
	"github.com/nebula-cloud/nebula/queue"
	"github.com/nebula-cloud/nebula/video"
	"github.com/xeipuuv/gojsonschema"
)

type TranscodeRequest struct {
	FileID    int64 `json:"file_id"`
	Qualities []int `json:"qualities"`
}

type createdJob struct {
	JobID       int64  `json:"job_id"`
	Quality     int    `json:"quality"`
	Status      string `json:"status"`
	QueueTaskID string `json:"queue_task_id"`
}

// Transcode creates jobs for the requested qualities and enqueues one task
// per created job. Qualities that already have a variant or an active job
// come back in skipped with a reason instead of failing the request.
func (d *NebulaAPIHandlersCollection) Transcode() httprouter.Handle {
	schema := inputSchemasCompiled["Transcode"]
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var transcodeRequest TranscodeRequest
		if !HasContentType(req, "application/json") {
			errors.WriteHTTPUnsupportedMediaType(w, "Requires application/json content type", nil)
			return
		} else if payload, err := ioutil.ReadAll(req.Body); err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot read payload", err)
			return
		} else if result, err := schema.Validate(gojsonschema.NewBytesLoader(payload)); err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot validate payload", err)
			return
		} else if !result.Valid() {
			errors.WriteHTTPBadBodySchema("Transcode", w, result.Errors())
			return
		} else if err := json.Unmarshal(payload, &transcodeRequest); err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
			return
		}

		for _, quality := range transcodeRequest.Qualities {
			if _, ok := video.PresetFor(quality); !ok {
				errors.WriteHTTPBadRequest(w, fmt.Sprintf("unknown quality %d, valid qualities are %v", quality, video.ValidQualities()), nil)
				return
			}
		}

		file, err := d.Catalog.GetFile(req.Context(), transcodeRequest.FileID)
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot load file", err)
			return
		}
		if !file.IsVideo() {
			errors.WriteHTTPBadRequest(w, fmt.Sprintf("file %d is %s, not a video", file.ID, file.MimeType), nil)
			return
		}

		var requestID = config.RandomTrailer(8)
		log.AddContext(requestID, "file_id", file.ID)

		created, skipped, err := d.Catalog.CreateJobs(req.Context(), file.ID, dedupe(transcodeRequest.Qualities))
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot create transcoding jobs", err)
			return
		}
		if skipped == nil {
			skipped = []catalog.SkippedQuality{}
		}

		createdOut := make([]createdJob, 0, len(created))
		for _, job := range created {
			taskID, err := d.Queue.Enqueue(req.Context(), queue.Task{
				JobID:   job.ID,
				FileID:  file.ID,
				Quality: job.TargetQuality,
			})
			if err != nil {
				// The job row exists but no worker will ever see it; fail it
				// durably before reporting the broker outage.
				msg := "could not enqueue transcoding task"
				if _, failErr := d.Catalog.TransitionJob(req.Context(), job.ID,
					[]catalog.JobStatus{catalog.JobPending}, catalog.JobFailed,
					catalog.JobPatch{ErrorMessage: &msg}); failErr != nil {
					log.LogError(requestID, "failing unenqueued job failed", failErr, "job_id", job.ID)
				}
				errors.WriteHTTPForError(w, "Cannot enqueue transcoding task", err)
				return
			}
			if err := d.Catalog.SetJobTaskID(req.Context(), job.ID, taskID); err != nil {
				log.LogError(requestID, "storing queue task id failed", err, "job_id", job.ID)
			}
			metrics.Metrics.TranscodeJobsEnqueued.Inc()
			log.Log(requestID, "transcoding job enqueued", "job_id", job.ID, "quality", job.TargetQuality, "task_id", taskID)
			createdOut = append(createdOut, createdJob{
				JobID:       job.ID,
				Quality:     job.TargetQuality,
				Status:      "queued",
				QueueTaskID: taskID,
			})
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"created": createdOut,
			"skipped": skipped,
		})
	}
}

// TranscodeStatus reports all jobs for one file plus the qualities already
// published.
func (d *NebulaAPIHandlersCollection) TranscodeStatus() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		fileID, err := pathID(params, "id")
		if err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid file id", err)
			return
		}
		file, err := d.Catalog.GetFile(req.Context(), fileID)
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot load file", err)
			return
		}
		jobs, err := d.Catalog.JobsForFile(req.Context(), fileID)
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot load jobs", err)
			return
		}
		if jobs == nil {
			jobs = []*catalog.TranscodingJob{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":             true,
			"file_id":             file.ID,
			"filename":            file.Filename,
			"available_qualities": file.AvailableQualities(),
			"jobs":                jobs,
		})
	}
}

// JobStatus reports one job.
func (d *NebulaAPIHandlersCollection) JobStatus() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		jobID, err := pathID(params, "id")
		if err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid job id", err)
			return
		}
		job, err := d.Catalog.GetJob(req.Context(), jobID)
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot load job", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"job":     job,
		})
	}
}

// ListJobs pages through all jobs, optionally filtered by status.
func (d *NebulaAPIHandlersCollection) ListJobs() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var status *catalog.JobStatus
		if raw := req.URL.Query().Get("status"); raw != "" {
			s := catalog.JobStatus(raw)
			if !s.Valid() {
				errors.WriteHTTPBadRequest(w, fmt.Sprintf("unknown job status %q", raw), nil)
				return
			}
			status = &s
		}
		skip := intQuery(req, "skip", 0)
		limit := intQuery(req, "limit", config.ListPageLimit)

		jobs, total, err := d.Catalog.ListJobs(req.Context(), status, skip, limit)
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot list jobs", err)
			return
		}
		if jobs == nil {
			jobs = []*catalog.TranscodingJob{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"jobs":    jobs,
			"total":   total,
			"skip":    skip,
			"limit":   limit,
		})
	}
}

// CancelJob revokes an active job's queue task and transitions it to
// cancelled. Terminal jobs cannot be cancelled.
func (d *NebulaAPIHandlersCollection) CancelJob() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		jobID, err := pathID(params, "id")
		if err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid job id", err)
			return
		}
		job, err := d.Catalog.GetJob(req.Context(), jobID)
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot load job", err)
			return
		}
		if job.Status.Terminal() {
			errors.WriteHTTPBadRequest(w, fmt.Sprintf("job %d is already %s", job.ID, job.Status), nil)
			return
		}

		var requestID = config.RandomTrailer(8)
		if job.QueueTaskID != nil {
			if err := d.Queue.Revoke(req.Context(), *job.QueueTaskID); err != nil {
				errors.WriteHTTPForError(w, "Cannot revoke queue task", err)
				return
			}
			log.Log(requestID, "queue task revoked", "job_id", job.ID, "task_id", *job.QueueTaskID)
		}

		msg := "Cancelled by user"
		cancelled, err := d.Catalog.TransitionJob(req.Context(), job.ID,
			[]catalog.JobStatus{catalog.JobPending, catalog.JobProcessing},
			catalog.JobCancelled, catalog.JobPatch{ErrorMessage: &msg})
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot cancel job", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"job":     cancelled,
		})
	}
}

// dedupe preserves first-occurrence order.
func dedupe(qualities []int) []int {
	seen := map[int]bool{}
	out := make([]int, 0, len(qualities))
	for _, q := range qualities {
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	return out
}
