package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/nebula-cloud/nebula/config"
	"github.com/nebula-cloud/nebula/handlers"
	"github.com/nebula-cloud/nebula/log"
	"github.com/nebula-cloud/nebula/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	kitlog "github.com/go-kit/log"
)

func ListenAndServe(ctx context.Context, addr string, nebulaHandlers *handlers.NebulaAPIHandlersCollection, logger kitlog.Logger) error {
	router := NewNebulaAPIRouter(nebulaHandlers, logger)
	server := newServer(addr, router)
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoID(
		"Starting Nebula API!",
		"version", config.Version,
		"host", addr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// newServer applies the timeouts every listener carries. Slow request bodies
// are handled per-handler with read deadlines (uploads refresh theirs chunk by
// chunk), so only the header read gets a server-wide limit here.
func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

func NewNebulaAPIRouter(nebulaHandlers *handlers.NebulaAPIHandlersCollection, logger kitlog.Logger) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest(logger)

	// Simple endpoints for healthchecks and service discovery
	router.GET("/ok", withLogging(nebulaHandlers.Ok()))
	router.GET("/", withLogging(nebulaHandlers.Index()))
	router.GET("/health", withLogging(nebulaHandlers.Healthcheck()))
	router.Handler("GET", "/metrics", promhttp.Handler())

	// Upload surface
	router.POST("/api/upload", withLogging(nebulaHandlers.Upload()))
	router.POST("/api/upload/presign", withLogging(nebulaHandlers.PresignUpload()))
	router.POST("/api/upload/complete", withLogging(nebulaHandlers.CompleteUpload()))

	// File catalog
	router.GET("/api/files", withLogging(nebulaHandlers.ListFiles()))
	router.GET("/api/files/:id", withLogging(nebulaHandlers.GetFile()))
	router.DELETE("/api/files/:id", withLogging(nebulaHandlers.DeleteFile()))

	// Data plane
	router.GET("/api/files/:id/stream", withLogging(nebulaHandlers.Stream()))
	router.GET("/api/files/:id/download", withLogging(nebulaHandlers.Download()))

	// Transcoding control. httprouter cannot mix the static "jobs"/"job"
	// segments with :id at the same position, so the first segment is a
	// wildcard and dispatch happens here.
	router.POST("/api/transcode", withLogging(nebulaHandlers.Transcode()))
	router.GET("/api/transcode/:id", withLogging(
		dispatchOnSegment("jobs", nebulaHandlers.ListJobs(), nebulaHandlers.TranscodeStatus())))
	router.GET("/api/transcode/:id/:jobid", withLogging(jobRoute(nebulaHandlers.JobStatus())))
	router.DELETE("/api/transcode/:id/:jobid", withLogging(jobRoute(nebulaHandlers.CancelJob())))

	return router
}

// dispatchOnSegment routes to match when the :id segment equals segment,
// otherwise to fallback.
func dispatchOnSegment(segment string, match, fallback httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		if ps.ByName("id") == segment {
			match(w, req, nil)
			return
		}
		fallback(w, req, ps)
	}
}

// jobRoute accepts only /api/transcode/job/:jobid and rebinds the job ID to
// the "id" param the handlers read.
func jobRoute(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		if ps.ByName("id") != "job" {
			http.NotFound(w, req)
			return
		}
		next(w, req, httprouter.Params{{Key: "id", Value: ps.ByName("jobid")}})
	}
}
