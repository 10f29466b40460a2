package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tagwatch/tagwatch/internal/utils"
	"github.com/tagwatch/tagwatch/pkg/pipeline"
	"github.com/tagwatch/tagwatch/pkg/storage"
)

type DailyResponse struct {
	Date    string              `json:"date"`
	Cached  bool                `json:"cached"`
	Rows    []pipeline.DailyRow `json:"rows"`
	Summary map[string]int      `json:"summary"`
}

// handleDaily serves the per-channel status list. Fresh cache answers
// directly; a stale or bypassed (?refresh=true) cache triggers a rebuild.
// An upstream failure during rebuild is returned whole, never as a
// partial row list.
func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date := reqDate(q.Get("date"))
	refresh := q.Get("refresh") == "true"

	if !refresh {
		if fresh, err := s.DB.DailyFresh(r.Context(), date, storage.FreshFor); err == nil && fresh {
			rows, err := s.DB.DailyRows(r.Context(), date)
			if err == nil && len(rows) > 0 {
				writeJSON(w, DailyResponse{Date: date, Cached: true, Rows: rows, Summary: pipeline.Summarize(rows)})
				return
			}
		}
	}

	rows, err := s.Pipeline.BuildDaily(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if err := s.DB.ReplaceDaily(r.Context(), date, rows); err != nil {
		utils.Log.Errorf("Failed to cache daily rows: %v", err)
	}
	writeJSON(w, DailyResponse{Date: date, Rows: rows, Summary: pipeline.Summarize(rows)})
}

type ClusterResponse struct {
	Date    string                  `json:"date"`
	Cluster string                  `json:"cluster"`
	Cached  bool                    `json:"cached"`
	Report  *pipeline.ClusterReport `json:"report"`
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cluster := q.Get("cluster")
	if cluster == "" {
		http.Error(w, "missing cluster parameter", http.StatusBadRequest)
		return
	}
	date := reqDate(q.Get("date"))
	refresh := q.Get("refresh") == "true"

	if !refresh {
		if fresh, err := s.DB.ClusterFresh(r.Context(), date, cluster, storage.FreshFor); err == nil && fresh {
			if report, ok, err := s.DB.ClusterReport(r.Context(), date, cluster); err == nil && ok {
				writeJSON(w, ClusterResponse{Date: date, Cluster: cluster, Cached: true, Report: report})
				return
			}
		}
	}

	report, err := s.Pipeline.BuildCluster(r.Context(), cluster, date)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if err := s.DB.ReplaceCluster(r.Context(), date, cluster, report); err != nil {
		utils.Log.Errorf("Failed to cache cluster %s: %v", cluster, err)
	}
	writeJSON(w, ClusterResponse{Date: date, Cluster: cluster, Report: report})
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string][]string{"clusters": s.Pipeline.ClusterNames()})
}

// handleProgress serves the QC portal completion summary. It is a single
// grid call upstream, cheap enough to build live.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	date := reqDate(r.URL.Query().Get("date"))

	summary, err := s.Pipeline.BuildQCSummary(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, summary)
}

func reqDate(date string) string {
	if date == "" {
		return time.Now().Format("2006-01-02")
	}
	return date
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
