package server

import (
	"context"
	"embed"
	"io/fs"
	"net/http"
	"time"

	"github.com/tagwatch/tagwatch/internal/utils"
	"github.com/tagwatch/tagwatch/pkg/pipeline"
	"github.com/tagwatch/tagwatch/pkg/storage"
)

//go:embed web
var WebFS embed.FS

type Server struct {
	DB       *storage.DB
	Pipeline *pipeline.Pipeline
	Username string
	Password string
}

func New(db *storage.DB, p *pipeline.Pipeline, user, pass string) *Server {
	return &Server{
		DB:       db,
		Pipeline: p,
		Username: user,
		Password: pass,
	}
}

func (s *Server) Start(addr string) error {
	mux := s.Handler()
	utils.Log.Infof("Starting dashboard on %s", addr)
	return http.ListenAndServe(addr, mux)
}

// Handler builds the route table. Split from Start so tests can drive it
// through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API Group
	mux.HandleFunc("GET /api/daily", s.basicAuth(s.handleDaily))
	mux.HandleFunc("GET /api/cluster", s.basicAuth(s.handleCluster))
	mux.HandleFunc("GET /api/clusters", s.basicAuth(s.handleClusters))
	mux.HandleFunc("GET /api/progress", s.basicAuth(s.handleProgress))

	// Static Files
	webRoot, err := fs.Sub(WebFS, "web")
	if err != nil {
		// The embed is compiled in; a failure here is a build defect.
		panic(err)
	}
	fileServer := http.FileServer(http.FS(webRoot))
	mux.Handle("/", s.basicAuthMiddlewareForStatic(fileServer))

	return mux
}

// RunRefresher rebuilds today's reports on a fixed cadence and sweeps
// expired cache rows, so browser requests almost always hit a warm cache.
// Blocks until ctx is done.
func (s *Server) RunRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = storage.FreshFor
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.refreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshAll(ctx)
		}
	}
}

func (s *Server) refreshAll(ctx context.Context) {
	date := time.Now().Format("2006-01-02")

	rows, err := s.Pipeline.BuildDaily(ctx, date)
	if err != nil {
		utils.Log.Errorf("Background daily refresh failed: %v", err)
	} else if err := s.DB.ReplaceDaily(ctx, date, rows); err != nil {
		utils.Log.Errorf("Failed to cache daily rows: %v", err)
	}

	for _, cluster := range s.Pipeline.ClusterNames() {
		report, err := s.Pipeline.BuildCluster(ctx, cluster, date)
		if err != nil {
			utils.Log.Errorf("Background refresh of cluster %s failed: %v", cluster, err)
			continue
		}
		if err := s.DB.ReplaceCluster(ctx, date, cluster, report); err != nil {
			utils.Log.Errorf("Failed to cache cluster %s: %v", cluster, err)
		}
	}

	cutoff := storage.RetentionCutoff(time.Now())
	if n, err := s.DB.Cleanup(ctx, cutoff); err != nil {
		utils.Log.Errorf("Cache cleanup failed: %v", err)
	} else if n > 0 {
		utils.Log.Infof("Dropped %d cached rows older than %s", n, cutoff)
	}
}

func (s *Server) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Username == "" && s.Password == "" {
			next(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.Username || pass != s.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) basicAuthMiddlewareForStatic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Username == "" && s.Password == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.Username || pass != s.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
