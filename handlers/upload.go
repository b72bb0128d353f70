package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"mime"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/nebula-cloud/nebula/catalog"
	"github.com/nebula-cloud/nebula/config"
	"github.com/nebula-cloud/nebula/errors"
	"github.com/nebula-cloud/nebula/log"
	"github.com/nebula-cloud/nebula/metrics"
	"github.com/nebula-cloud/nebula/store"
	"github.com/xeipuuv/gojsonschema"
)

// Upload accepts a multipart form with a single file part, streams it into
// the object store under a fresh uploads/ key and registers a File row. The
// part is spooled to a scratch file first so the store sees an exact size and
// video sources can be probed locally.
func (d *NebulaAPIHandlersCollection) Upload() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		start := time.Now()
		metrics.Metrics.UploadRequestCount.Inc()
		success, status := false, http.StatusOK
		defer func() {
			metrics.Metrics.UploadRequestDurationSec.
				WithLabelValues(strconv.FormatBool(success), strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
		}()

		var requestID = config.RandomTrailer(8)

		reader, err := req.MultipartReader()
		if err != nil {
			status = errors.WriteHTTPUnsupportedMediaType(w, "Requires multipart/form-data content type", err).Status
			return
		}

		var (
			filename    string
			contentType string
			description *string
			ownerID     *int64
			spool       *os.File
			size        int64
			contentHash string
		)
		defer func() {
			if spool != nil {
				spool.Close()
				os.Remove(spool.Name())
			}
		}()

		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				status = errors.WriteHTTPBadRequest(w, "Cannot read multipart body", err).Status
				return
			}
			switch part.FormName() {
			case "file":
				if spool != nil {
					status = errors.WriteHTTPBadRequest(w, "Duplicate file part", nil).Status
					return
				}
				filename = part.FileName()
				contentType = part.Header.Get("Content-Type")
				spool, err = ioutil.TempFile("", "nebula-upload-*")
				if err != nil {
					status = errors.WriteHTTPInternalServerError(w, "Cannot spool upload", err).Status
					return
				}
				hasher := sha256.New()
				size, err = store.CopyChunks(io.MultiWriter(spool, hasher), idleGuard(w, part))
				if err != nil {
					status = errors.WriteHTTPBadRequest(w, "Cannot read file part", err).Status
					return
				}
				contentHash = hex.EncodeToString(hasher.Sum(nil))
			case "description":
				value, err := readFormValue(part)
				if err != nil {
					status = errors.WriteHTTPBadRequest(w, "Cannot read description", err).Status
					return
				}
				description = &value
			case "user_id":
				value, err := readFormValue(part)
				if err != nil {
					status = errors.WriteHTTPBadRequest(w, "Cannot read user_id", err).Status
					return
				}
				id, err := strconv.ParseInt(value, 10, 64)
				if err != nil {
					status = errors.WriteHTTPBadRequest(w, "user_id must be an integer", err).Status
					return
				}
				ownerID = &id
			}
			part.Close()
		}

		if spool == nil || filename == "" {
			status = errors.WriteHTTPBadRequest(w, "Missing file part", nil).Status
			return
		}

		contentType = resolveContentType(contentType, filename)
		key := store.NewUploadKey(filename)
		log.AddContext(requestID, "filename", filename, "object_key", key, "size", size)

		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			status = errors.WriteHTTPInternalServerError(w, "Cannot rewind spooled upload", err).Status
			return
		}
		if err := d.Store.Put(req.Context(), key, spool, size, contentType); err != nil {
			status = errors.WriteHTTPForError(w, "Cannot store uploaded file", err).Status
			return
		}

		file, err := d.Catalog.InsertFile(req.Context(), catalog.InsertFileParams{
			Filename:    filename,
			ObjectKey:   key,
			Size:        size,
			MimeType:    contentType,
			ContentHash: &contentHash,
			Description: description,
			OwnerID:     ownerID,
		})
		if err != nil {
			// The object is orphaned if this cleanup fails too; log it for
			// reconciliation.
			if delErr := d.Store.Delete(req.Context(), key); delErr != nil {
				log.LogError(requestID, "orphaned object after failed catalog insert", delErr)
			}
			status = errors.WriteHTTPForError(w, "Cannot register uploaded file", err).Status
			return
		}
		metrics.Metrics.UploadBytes.Add(float64(size))

		if file.IsVideo() {
			d.attachVideoMetadata(req, requestID, file, spool.Name())
		}

		log.Log(requestID, "upload complete", "file_id", file.ID)
		success = true
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"file":    file,
		})
	}
}

// attachVideoMetadata probes the spooled source and stores the result on the
// file row. Probe failures are not upload failures.
func (d *NebulaAPIHandlersCollection) attachVideoMetadata(req *http.Request, requestID string, file *catalog.File, localPath string) {
	info, err := d.Prober.ProbeFile(req.Context(), localPath)
	if err != nil {
		log.LogError(requestID, "probing uploaded video failed", err)
		return
	}
	if err := d.Catalog.SetVideoMetadata(req.Context(), file.ID, info.JSON()); err != nil {
		log.LogError(requestID, "storing video metadata failed", err)
		return
	}
	file.VideoMetadata = info.JSON()
}

type PresignUploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Description string `json:"description"`
	UserID      int64  `json:"user_id"`
}

// PresignUpload mints a presigned PUT URL for a fresh uploads/ key. The
// client PUTs directly to the object store and then calls CompleteUpload.
func (d *NebulaAPIHandlersCollection) PresignUpload() httprouter.Handle {
	schema := inputSchemasCompiled["PresignUpload"]
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var presignRequest PresignUploadRequest
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
			errors.WriteHTTPBadBodySchema("PresignUpload", w, result.Errors())
			return
		} else if err := json.Unmarshal(payload, &presignRequest); err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
			return
		}

		hint, err := store.ParseNetworkHint(req.URL.Query().Get("network"))
		if err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid network hint", err)
			return
		}

		key := store.NewUploadKey(presignRequest.Filename)
		uploadURL, err := d.Store.PresignPut(req.Context(), key, hint)
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot presign upload", err)
			return
		}
		log.LogNoID("presigned upload", "object_key", key, "network", string(hint), "url", log.RedactURL(uploadURL))

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":    true,
			"object_key": key,
			"upload_url": uploadURL,
		})
	}
}

type CompleteUploadRequest struct {
	ObjectKey   string  `json:"object_key"`
	Filename    string  `json:"filename"`
	ContentType string  `json:"content_type"`
	Description *string `json:"description"`
	UserID      *int64  `json:"user_id"`
	FileHash    *string `json:"file_hash"`
}

// CompleteUpload registers an object the client PUT through a presigned URL.
// The object store is authoritative for size and content type; the request
// only names the key and the display filename.
func (d *NebulaAPIHandlersCollection) CompleteUpload() httprouter.Handle {
	schema := inputSchemasCompiled["CompleteUpload"]
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var completeRequest CompleteUploadRequest
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
			errors.WriteHTTPBadBodySchema("CompleteUpload", w, result.Errors())
			return
		} else if err := json.Unmarshal(payload, &completeRequest); err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
			return
		}

		if !store.IsUploadKey(completeRequest.ObjectKey) {
			errors.WriteHTTPBadRequest(w, fmt.Sprintf("object_key must begin with %q", store.UploadPrefix), nil)
			return
		}

		info, err := d.Store.Stat(req.Context(), completeRequest.ObjectKey)
		if err != nil {
			errors.WriteHTTPForError(w, "Uploaded object not found in store", err)
			return
		}

		contentType := completeRequest.ContentType
		if contentType == "" {
			contentType = info.ContentType
		}
		contentType = resolveContentType(contentType, completeRequest.Filename)

		var requestID = config.RandomTrailer(8)
		file, err := d.Catalog.InsertFile(req.Context(), catalog.InsertFileParams{
			Filename:    completeRequest.Filename,
			ObjectKey:   completeRequest.ObjectKey,
			Size:        info.Size,
			MimeType:    contentType,
			ContentHash: completeRequest.FileHash,
			Description: completeRequest.Description,
			OwnerID:     completeRequest.UserID,
		})
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot register uploaded file", err)
			return
		}

		if file.IsVideo() {
			// The object only exists remotely; probe it through a short-lived
			// presigned URL.
			probeURL, err := d.Store.PresignGet(req.Context(), file.ObjectKey, store.NetworkLocal, store.PresignGetOptions{})
			if err != nil {
				log.LogError(requestID, "presigning probe URL failed", err)
			} else {
				d.attachVideoMetadata(req, requestID, file, probeURL)
			}
		}

		log.Log(requestID, "upload completed via presign", "file_id", file.ID, "object_key", file.ObjectKey)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"file":    file,
		})
	}
}

// idleGuard wraps an upload body reader so each chunk read pushes the
// connection's read deadline forward. A client that stops sending gets cut
// off after the idle timeout instead of holding the spool open forever.
// Writers without deadline support (test recorders) pass through untouched.
func idleGuard(w http.ResponseWriter, r io.Reader) io.Reader {
	return &idleGuardReader{r: r, ctl: http.NewResponseController(w)}
}

type idleGuardReader struct {
	r   io.Reader
	ctl *http.ResponseController
}

func (g *idleGuardReader) Read(p []byte) (int, error) {
	_ = g.ctl.SetReadDeadline(time.Now().Add(config.UploadIdleTimeout))
	return g.r.Read(p)
}

func readFormValue(part io.Reader) (string, error) {
	b, err := ioutil.ReadAll(io.LimitReader(part, 64*1024))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// resolveContentType fills in a missing or generic content type from the
// filename extension.
func resolveContentType(contentType, filename string) string {
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	if guessed := mime.TypeByExtension(path.Ext(filename)); guessed != "" {
		return guessed
	}
	return "application/octet-stream"
}
