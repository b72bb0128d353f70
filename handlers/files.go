package handlers

import (
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/nebula-cloud/nebula/catalog"
	"github.com/nebula-cloud/nebula/config"
	"github.com/nebula-cloud/nebula/errors"
	"github.com/nebula-cloud/nebula/log"
)

// ListFiles pages through the catalog, newest uploads first.
func (d *NebulaAPIHandlersCollection) ListFiles() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		skip := intQuery(req, "skip", 0)
		limit := intQuery(req, "limit", config.ListPageLimit)
		var ownerID *int64
		if raw := req.URL.Query().Get("user_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				errors.WriteHTTPBadRequest(w, "user_id must be an integer", err)
				return
			}
			ownerID = &id
		}

		files, err := d.Catalog.ListFiles(req.Context(), skip, limit, ownerID)
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot list files", err)
			return
		}
		if files == nil {
			// marshal as [] not null
			files = []*catalog.File{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"files":   files,
			"count":   len(files),
		})
	}
}

// GetFile returns one file plus the object store's view of its object.
func (d *NebulaAPIHandlersCollection) GetFile() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		id, err := pathID(params, "id")
		if err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid file id", err)
			return
		}
		file, err := d.Catalog.GetFile(req.Context(), id)
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot load file", err)
			return
		}

		body := map[string]interface{}{
			"success": true,
			"file":    file,
		}
		// Stat failures degrade the response rather than failing it.
		if info, err := d.Store.Stat(req.Context(), file.ObjectKey); err == nil {
			body["storage_info"] = map[string]interface{}{
				"size":          info.Size,
				"content_type":  info.ContentType,
				"etag":          info.ETag,
				"last_modified": info.LastModified,
			}
		} else {
			log.LogNoID("stat for file response failed", "file_id", file.ID, "err", err)
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// DeleteFile removes the catalog row, revokes any active transcoding work and
// deletes the original plus all variants from the object store.
func (d *NebulaAPIHandlersCollection) DeleteFile() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		id, err := pathID(params, "id")
		if err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid file id", err)
			return
		}
		var requestID = config.RandomTrailer(8)
		log.AddContext(requestID, "file_id", id)

		deleted, err := d.Catalog.DeleteFile(req.Context(), id)
		if err != nil {
			errors.WriteHTTPForError(w, "Cannot delete file", err)
			return
		}

		for _, taskID := range deleted.RevokedTaskIDs {
			if err := d.Queue.Revoke(req.Context(), taskID); err != nil {
				log.LogError(requestID, "revoking queue task failed", err, "task_id", taskID)
			}
		}

		// Object deletions are best-effort; a leftover object is a logged leak,
		// not a failed delete.
		keys := append([]string{deleted.File.ObjectKey}, deleted.VariantKeys...)
		for _, key := range keys {
			if err := d.Store.Delete(req.Context(), key); err != nil {
				log.LogError(requestID, "deleting object failed", err, "object_key", key)
			}
		}

		log.Log(requestID, "file deleted", "variants", len(deleted.VariantKeys), "revoked_tasks", len(deleted.RevokedTaskIDs))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "File deleted",
		})
	}
}

func pathID(params httprouter.Params, name string) (int64, error) {
	return strconv.ParseInt(params.ByName(name), 10, 64)
}

func intQuery(req *http.Request, name string, fallback int) int {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
