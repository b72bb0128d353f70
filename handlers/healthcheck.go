package handlers

import (
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
)

// Healthcheck reports dependency reachability. The endpoint always answers
// 200; status flips to degraded when the database or the broker is down so
// load balancers keep routing while operators see the problem.
func (d *NebulaAPIHandlersCollection) Healthcheck() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		body := map[string]interface{}{}
		healthy := true

		if err := d.Catalog.Ping(req.Context()); err != nil {
			body["database"] = "unreachable: " + err.Error()
			healthy = false
		} else {
			body["database"] = "healthy"
		}

		if err := d.Queue.Ping(req.Context()); err != nil {
			body["worker"] = "broker unreachable: " + err.Error()
			healthy = false
		} else {
			body["worker"] = "available"
		}

		if d.BatteryPath != "" {
			if capacity, err := ioutil.ReadFile(d.BatteryPath); err == nil {
				body["battery"] = strings.TrimSpace(string(capacity)) + "%"
			}
		}

		if healthy {
			body["status"] = "healthy"
		} else {
			body["status"] = "degraded"
		}
		writeJSON(w, http.StatusOK, body)
	}
}
