package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

var promptPage = template.Must(template.New("prompt").Parse(`<!doctype html>
<html><head><title>Why {{.Host}}?</title></head>
<body>
<h1>{{.Host}} is on your distracting list</h1>
<p>{{.Hint}}</p>
<form method="post" action="/prompt">
<input type="hidden" name="target" value="{{.Target}}">
<textarea name="text" rows="4" cols="60" autofocus></textarea>
<button type="submit">Continue</button>
</form>
</body></html>
`))

// AdminServer is the controller's local HTTP endpoint: health, metrics, the
// observer state view and the justification prompt.
type AdminServer struct {
	router  *chi.Mux
	server  *http.Server
	handler domain.Handler
	metrics http.Handler
	hint    string
	logger  *zap.Logger
}

// NewAdminServer creates the admin server. metrics may be nil.
func NewAdminServer(addr string, handler domain.Handler, metrics http.Handler, hint string, logger *zap.Logger) *AdminServer {
	s := &AdminServer{
		router:  chi.NewRouter(),
		handler: handler,
		metrics: metrics,
		hint:    hint,
		logger:  logger,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *AdminServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(10 * time.Second))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/state", s.handleState)
	s.router.Get("/prompt", s.handlePrompt)
	s.router.Post("/prompt", s.handleJustify)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}
}

// Handler returns the router, for tests and embedding.
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled.
func (s *AdminServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("admin server listening", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleState answers with the observer tier's view of state.
func (s *AdminServer) handleState(w http.ResponseWriter, r *http.Request) {
	resp := s.handler(r.Context(), domain.TierObserver, domain.Request{
		ID:   uuid.NewString(),
		Type: domain.MsgGetState,
	})
	s.writeResponse(w, resp)
}

func (s *AdminServer) handlePrompt(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("target")
	if target == "" {
		http.Error(w, "missing target", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := promptPage.Execute(w, struct {
		Target, Host, Hint string
	}{target, q.Get("host"), s.hint})
	if err != nil {
		s.logger.Warn("failed to render prompt", zap.Error(err))
	}
}

func (s *AdminServer) handleJustify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	payload, err := json.Marshal(domain.JustificationPayload{
		TargetID: r.PostForm.Get("target"),
		Text:     r.PostForm.Get("text"),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := s.handler(r.Context(), domain.TierUI, domain.Request{
		ID:      uuid.NewString(),
		Type:    domain.MsgSubmitJustification,
		Payload: payload,
	})
	s.writeResponse(w, resp)
}

func (s *AdminServer) writeResponse(w http.ResponseWriter, resp domain.Response) {
	if !resp.OK {
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	data := resp.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
