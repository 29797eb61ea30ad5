package playback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/datallboy/gohls/internal/infra/logger"
	"github.com/go-chi/chi/v5"
)

// Server exposes cache directories over loopback so a player can watch a
// download while it is still running. It starts listening on first Publish.
type Server struct {
	addr string
	log  *logger.Logger

	mu      sync.Mutex
	dirs    map[string]string
	srv     *http.Server
	baseURL string
}

func NewServer(addr string, log *logger.Logger) *Server {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	return &Server{addr: addr, log: log, dirs: make(map[string]string)}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/play/{key}/{file}", s.serveFile)
	return r
}

// Publish makes dir reachable under key and returns the playlist URL.
func (s *Server) Publish(key, dir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		ln, err := net.Listen("tcp", s.addr)
		if err != nil {
			return "", fmt.Errorf("playback listen: %w", err)
		}
		s.srv = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
		s.baseURL = "http://" + ln.Addr().String()

		go func() {
			if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("Playback server stopped: %v", err)
			}
		}()
		s.log.Info("Playback server listening on %s", s.baseURL)
	}

	s.dirs[key] = dir
	return fmt.Sprintf("%s/play/%s/%s", s.baseURL, key, LocalPlaylistName), nil
}

func (s *Server) Unpublish(key string) {
	s.mu.Lock()
	delete(s.dirs, key)
	s.mu.Unlock()
}

func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	file := chi.URLParam(r, "file")

	s.mu.Lock()
	dir, ok := s.dirs[key]
	s.mu.Unlock()

	if !ok || file != filepath.Base(file) || strings.HasPrefix(file, ".") {
		http.NotFound(w, r)
		return
	}

	switch filepath.Ext(file) {
	case ".m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-cache")
	case ".ts":
		w.Header().Set("Content-Type", "video/mp2t")
	default:
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, filepath.Join(dir, file))
}
