// Package metrics serves the read-only observability endpoint of the
// cache subsystem: current tier statistics and capacities as JSON.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/sahib/ballast/stats"
	logutil "github.com/sahib/ballast/util/log"
	log "github.com/sirupsen/logrus"
)

// Source is whatever can report the last stats snapshot. Serving the
// last snapshot (instead of taking one) keeps the endpoint free of
// side effects on the decay accounting.
type Source interface {
	Last() []stats.TierStats
}

// Server is a small HTTP server exposing tier stats. Strictly
// read-only; there is nothing to POST here.
type Server struct {
	src Source
	srv *http.Server
}

type tierResponse struct {
	stats.TierStats
	CurrentSizeHuman string  `json:"current_size_human"`
	CapacityHuman    string  `json:"capacity_human"`
	HitRate          float64 `json:"hit_rate"`
}

type statsResponse struct {
	Tiers []tierResponse `json:"tiers"`
}

// NewServer builds a metrics server on `port`.
// It does not yet start serving.
func NewServer(src Source, port int) *Server {
	s := &Server{src: src}

	router := mux.NewRouter()
	router.HandleFunc("/v0/stats", s.handleStats).Methods("GET")

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("localhost:%d", port),
		Handler:           gziphandler.GzipHandler(router),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ErrorLog:          stdlog.New(&logutil.Writer{Level: log.WarnLevel}, "", 0),
	}

	return s
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{}
	for _, ts := range s.src.Last() {
		resp.Tiers = append(resp.Tiers, tierResponse{
			TierStats:        ts,
			CurrentSizeHuman: humanize.Bytes(uint64(ts.CurrentSize)),
			CapacityHuman:    humanize.Bytes(uint64(ts.Capacity)),
			HitRate:          ts.HitRate(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warningf("metrics: failed to encode response: %v", err)
	}
}

// Serve blocks, serving on the configured port.
func (s *Server) Serve() error {
	lst, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}

	if err := s.srv.Serve(lst); err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	return s.srv.Shutdown(ctx)
}
