package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/pacerhq/pacer/internal/core/node"
	apperrors "github.com/pacerhq/pacer/internal/errors"
	"github.com/pacerhq/pacer/internal/metrics"
)

// NodeHandler serves the simulated node and counts outcomes.
func NodeHandler(n *node.Node) http.HandlerFunc {
	mode := string(n.Mode())
	return func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		n.ServeHTTP(ww, r)

		switch status := ww.Status(); {
		case status == http.StatusTooManyRequests:
			metrics.RecordNodeRequest(mode, "limited")
		case status >= http.StatusInternalServerError:
			metrics.RecordNodeRequest(mode, "failed")
		case status == http.StatusOK:
			metrics.RecordNodeRequest(mode, "served")
		}
	}
}

// NodeStatsResponse reports the simulated node's configuration and counters.
type NodeStatsResponse struct {
	Mode  string     `json:"mode"`
	Stats node.Stats `json:"stats"`
}

// NodeStatsHandler reports the simulated node's counters.
func NodeStatsHandler(n *node.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if n == nil {
			respondWithError(w, r, apperrors.NewNotFoundError("simulated node is disabled"))
			return
		}
		writeJSON(w, http.StatusOK, NodeStatsResponse{
			Mode:  string(n.Mode()),
			Stats: n.Stats(),
		})
	}
}
