// Package web serves the chat page, a websocket per page view and the admin
// endpoints.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"fanchat/internal/gallery"
	"fanchat/internal/logging"
	"fanchat/internal/session"
	"fanchat/internal/types"
)

// Options configures a Server.
type Options struct {
	Addr            string
	Name            string
	Client          types.ChatClient
	Gallery         *gallery.Gallery
	Session         session.Config
	WriteRate       float64 // frames per second per connection; 0 = unlimited
	WriteBurst      int
	ReadLimit       int64
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration
}

// Settings are the Options a running server can swap. New page views and
// uploads use the latest values; open page views keep theirs.
type Settings struct {
	Name           string
	Session        session.Config
	MaxUploadBytes int64
}

// Server is the HTTP surface.
type Server struct {
	opts Options
	log  *logging.Logger

	settingsMu sync.RWMutex
	settings   Settings

	mu    sync.Mutex
	conns map[*client]struct{}
	wg    sync.WaitGroup
}

// New creates a server. A nil gallery gets an empty one without captions.
func New(opts Options) *Server {
	if opts.Gallery == nil {
		opts.Gallery = gallery.New(nil, gallery.DefaultConfig())
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 << 10
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		opts: opts,
		log:  logging.Get(logging.CategoryWeb),
		settings: normalizeSettings(Settings{
			Name:           opts.Name,
			Session:        opts.Session,
			MaxUploadBytes: opts.MaxUploadBytes,
		}),
		conns: make(map[*client]struct{}),
	}
}

func normalizeSettings(st Settings) Settings {
	if st.Name == "" {
		st.Name = "fanchat"
	}
	if st.MaxUploadBytes <= 0 {
		st.MaxUploadBytes = gallery.DefaultConfig().MaxUploadBytes
	}
	return st
}

// Settings returns the current settings.
func (s *Server) Settings() Settings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

// UpdateSettings swaps the settings for later page views and uploads.
func (s *Server) UpdateSettings(st Settings) {
	st = normalizeSettings(st)
	s.settingsMu.Lock()
	s.settings = st
	s.settingsMu.Unlock()
	s.log.Info("settings updated name=%s timeout=%v max_upload_bytes=%d", st.Name, st.Session.Timeout, st.MaxUploadBytes)
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "connections": s.Connections()})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/site", s.handleSite)
		r.Post("/logo", s.handleSetLogo)
		r.Delete("/logo", s.handleResetLogo)
		r.Get("/files", s.handleListFiles)
		r.Post("/files", s.handleAddFile)
		r.Delete("/files/{id}", s.handleRemoveFile)
	})
	return r
}

// Run serves until ctx is cancelled, then closes every websocket and shuts
// the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("serving on http://%s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		s.closeAll()
		err := srv.Shutdown(sctx)
		s.wg.Wait()
		s.log.Info("shutdown complete")
		return err
	})
	return g.Wait()
}

// Connections returns the number of open websocket page views.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *client) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *client) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// closeAll force-closes all active websocket connections (used during shutdown).
func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutdown")
	}
}

// writeJSON writes v without HTML escaping so fragments arrive verbatim.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
