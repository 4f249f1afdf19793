package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/route-beacon/rib-engine/internal/registry"
	"github.com/route-beacon/rib-engine/internal/rib"
	"github.com/route-beacon/rib-engine/internal/store"
	"go.uber.org/zap"
)

// ConsumerStatus is an interface for checking Kafka consumer join state.
type ConsumerStatus interface {
	IsJoined() bool
}

// Pinger abstracts a backend health check for testability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreReader is the read side of the persistent store.
type StoreReader interface {
	PathStats(ctx context.Context) (store.PathStats, error)
	RoutingStats(ctx context.Context) (store.RoutingStats, error)
	History(ctx context.Context, key rib.RouteKey, n int64) ([]store.HistoryEntry, error)
}

// Deps are the components the server reports on. Postgres is nil when the
// downstream sink is disabled.
type Deps struct {
	Redis    Pinger
	Kafka    ConsumerStatus
	Postgres Pinger
	Store    StoreReader
	Engine   *rib.Engine
	Registry *registry.Registry
}

type Server struct {
	srv    *http.Server
	deps   Deps
	logger *zap.Logger
}

func NewServer(addr string, deps Deps, logger *zap.Logger) *Server {
	s := &Server{deps: deps, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /rib/stats", s.handleStats)
	mux.HandleFunc("GET /rib/prefix", s.handlePrefix)
	mux.HandleFunc("GET /rib/history", s.handleHistory)
	mux.HandleFunc("GET /rib/as/{asn}", s.handleAS)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func ping(ctx context.Context, p Pinger) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return "error"
	}
	return "ok"
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}

	if s.deps.Redis != nil {
		checks["redis"] = ping(r.Context(), s.deps.Redis)
	} else {
		checks["redis"] = "error"
	}

	if s.deps.Kafka != nil && s.deps.Kafka.IsJoined() {
		checks["kafka"] = "ok"
	} else {
		checks["kafka"] = "not_joined"
	}

	if s.deps.Postgres != nil {
		checks["postgres"] = ping(r.Context(), s.deps.Postgres)
	}

	status, httpStatus := "ready", http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			status, httpStatus = "not_ready", http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}

type statsResponse struct {
	Prefixes       int   `json:"prefixes"`
	Prefixes4      int   `json:"prefixes_v4"`
	Prefixes6      int   `json:"prefixes_v6"`
	LastPathID     int64 `json:"last_path_id"`
	ASes           int   `json:"ases"`
	Links          int   `json:"links"`
	Paths          int64 `json:"paths"`
	ActivePaths    int64 `json:"active_paths"`
	Routes         int64 `json:"routing_entries"`
	InactiveRoutes int64 `json:"inactive_routing_entries"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	if e := s.deps.Engine; e != nil {
		resp.Prefixes = e.Trie.Count()
		resp.Prefixes4 = e.Trie.Count4()
		resp.Prefixes6 = e.Trie.Count6()
		resp.LastPathID = int64(e.LastPathID())
	}
	if reg := s.deps.Registry; reg != nil {
		resp.ASes = reg.ASCount()
		resp.Links = reg.LinkCount()
	}
	if st := s.deps.Store; st != nil {
		ps, err := st.PathStats(r.Context())
		if err != nil {
			s.logger.Warn("path stats failed", zap.Error(err))
			writeError(w, http.StatusBadGateway, "store unavailable")
			return
		}
		rs, err := st.RoutingStats(r.Context())
		if err != nil {
			s.logger.Warn("routing stats failed", zap.Error(err))
			writeError(w, http.StatusBadGateway, "store unavailable")
			return
		}
		resp.Paths, resp.ActivePaths = ps.Paths, ps.Active
		resp.Routes, resp.InactiveRoutes = rs.Active, rs.Inactive
	}
	writeJSON(w, http.StatusOK, resp)
}

type prefixResponse struct {
	Prefix            string    `json:"prefix"`
	VisiblePeers      int       `json:"visible_peers"`
	VisibleCollectors int       `json:"visible_collectors"`
	Collectors        []string  `json:"collectors"`
	OutagedCollectors []string  `json:"outaged_collectors"`
	ASes              []uint32  `json:"ases"`
	GlobalOutage      bool      `json:"global_outage"`
	LastUpdate        time.Time `json:"last_update"`
}

// handlePrefix answers q as an exact prefix or, for a bare address, the
// longest covering prefix.
func (s *Server) handlePrefix(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "rib not loaded")
		return
	}
	q := r.URL.Query().Get("q")
	var (
		st *rib.PathState
		ok bool
	)
	if strings.Contains(q, "/") {
		p, err := netip.ParsePrefix(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid prefix")
			return
		}
		st, ok = s.deps.Engine.Trie.Lookup(p)
	} else {
		a, err := netip.ParseAddr(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid address")
			return
		}
		st, ok = s.deps.Engine.Trie.Match(a)
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	resp := prefixResponse{
		Prefix:            st.Prefix().String(),
		VisiblePeers:      st.VisiblePeers(),
		VisibleCollectors: st.VisibleCollectors(),
		Collectors:        []string{},
		OutagedCollectors: []string{},
		ASes:              st.KnownASes(),
		GlobalOutage:      st.GlobalOutage(),
		LastUpdate:        st.LastUpdate().UTC(),
	}
	for _, c := range st.KnownCollectors() {
		resp.Collectors = append(resp.Collectors, string(c))
	}
	for _, c := range st.OutagedCollectors() {
		resp.OutagedCollectors = append(resp.OutagedCollectors, string(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

type historyEntry struct {
	Hash      string    `json:"hash,omitempty"`
	Announced bool      `json:"announced"`
	Time      time.Time `json:"time"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	p, err := netip.ParsePrefix(r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid prefix")
		return
	}
	peer, err := strconv.ParseUint(r.URL.Query().Get("peer"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid peer")
		return
	}
	limit := int64(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.ParseInt(v, 10, 64)
		if err != nil || limit <= 0 || limit > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
	}

	entries, err := s.deps.Store.History(r.Context(), rib.RouteKey{Prefix: p.Masked(), Peer: rib.PeerID(peer)}, limit)
	if err != nil {
		s.logger.Warn("history read failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "store unavailable")
		return
	}
	out := make([]historyEntry, 0, len(entries))
	for _, e := range entries {
		h := historyEntry{Announced: e.Announced, Time: e.Time.UTC()}
		if e.Announced {
			h.Hash = rib.FormatHash(e.Hash)
		}
		out = append(out, h)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not loaded")
		return
	}
	asn, err := strconv.ParseUint(r.PathValue("asn"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid asn")
		return
	}
	info, ok := s.deps.Registry.AS(uint32(asn))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}
