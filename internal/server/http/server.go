package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/histore/histore/internal/runtime"
	histsvc "github.com/histore/histore/internal/services/history"
	logpkg "github.com/histore/histore/pkg/log"
)

type Server struct {
	rt     *runtime.Runtime
	hist   *histsvc.Service
	logger logpkg.Logger
	srv    *http.Server
	lis    net.Listener
}

func New(rt *runtime.Runtime, logger logpkg.Logger) *Server {
	if logger == nil {
		logger = logpkg.NewLogger().With(logpkg.Component("http"))
	}
	mux := http.NewServeMux()
	s := &Server{
		rt:     rt,
		hist:   histsvc.NewWithLogger(rt, logger),
		logger: logger,
		srv:    &http.Server{Handler: cors(mux)},
	}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/realms/create", s.handleRealmCreate)
	mux.HandleFunc("/v1/realms", s.handleRealmList)
	mux.HandleFunc("/v1/history/append", s.handleAppend)
	mux.HandleFunc("/v1/history/subscribe", s.handleSubscribeSSE)
	mux.HandleFunc("/v1/history/status", s.handleStatus)
	return s
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http listening", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, histsvc.ErrRealmName),
		errors.Is(err, histsvc.ErrNoCategories),
		errors.Is(err, histsvc.ErrBadBound),
		errors.Is(err, histsvc.ErrPayloadTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, histsvc.ErrRealmUnknown):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_serving"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type realmCreateReq struct {
	Realm string `json:"realm"`
}

func (s *Server) handleRealmCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req realmCreateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, err := s.hist.CreateRealm(r.Context(), req.Realm); err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRealmList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	names, err := s.hist.ListRealms(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"realms": names})
}

type appendReq struct {
	Realm    string               `json:"realm"`
	GuildID  uint64               `json:"guildId"`
	Category uint32               `json:"category"`
	Events   []histsvc.AppendItem `json:"events"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req appendReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	linked, missed, err := s.hist.Append(r.Context(), req.Realm, req.GuildID, req.Category, req.Events)
	if err != nil {
		w.WriteHeader(statusFor(err))
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{"linked": linked, "missed": missed})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	guildID, err := strconv.ParseUint(q.Get("guild"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	cats, err := parseCategories(q.Get("categories"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	st, err := s.hist.Status(r.Context(), q.Get("realm"), guildID, cats)
	if err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	_ = json.NewEncoder(w).Encode(st)
}

type sseSink struct {
	w http.ResponseWriter
	r *http.Request
}

func (s sseSink) Send(it histsvc.TailItem) error {
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if err := json.NewEncoder(s.w).Encode(it); err != nil {
		return err
	}
	_, err := s.w.Write([]byte("\n"))
	return err
}

func (s sseSink) Context() context.Context { return s.r.Context() }

func (s sseSink) Flush() error {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *Server) handleSubscribeSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	guildID, err := strconv.ParseUint(q.Get("guild"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	cats, err := parseCategories(q.Get("categories"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	opts := histsvc.TailOptions{
		Categories: cats,
		AfterID:    parseUint(q.Get("afterId")),
		BeforeID:   parseUint(q.Get("beforeId")),
		StartMs:    int64(parseUint(q.Get("startMs"))),
		EndMs:      int64(parseUint(q.Get("endMs"))),
		StopOnLast: q.Get("stopOnLast") == "true",
		Filter:     q.Get("filter"),
		Limit:      int(parseUint(q.Get("limit"))),
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if err := s.hist.Tail(r.Context(), q.Get("realm"), guildID, opts, sseSink{w: w, r: r}); err != nil {
		w.WriteHeader(statusFor(err))
	}
}

func parseCategories(v string) ([]uint32, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, uint32(n))
	}
	return out, nil
}

func parseUint(v string) uint64 {
	n, _ := strconv.ParseUint(v, 10, 64)
	return n
}
