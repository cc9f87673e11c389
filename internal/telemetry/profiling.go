package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
)

// ProfilingServer serves pprof and runtime stats on a separate listener.
type ProfilingServer struct {
	server *http.Server
	addr   string
}

// NewProfilingServer creates a new profiling server
func NewProfilingServer(addr string) *ProfilingServer {
	ps := &ProfilingServer{addr: addr}
	ps.server = &http.Server{
		Addr:              addr,
		Handler:           ps.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ps
}

// Handler exposes /debug/pprof/*, /debug/stats and /debug/build.
func (ps *ProfilingServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("GET /debug/stats", statsHandler)
	mux.HandleFunc("GET /debug/build", buildInfoHandler)
	return mux
}

// Serve accepts connections on ln until Shutdown.
func (ps *ProfilingServer) Serve(ln net.Listener) error {
	log.Info().Str("addr", ln.Addr().String()).Msg("Starting profiling server")
	if err := ps.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on the configured address.
func (ps *ProfilingServer) Start() error {
	ln, err := net.Listen("tcp", ps.addr)
	if err != nil {
		return err
	}
	return ps.Serve(ln)
}

// Shutdown gracefully shuts down the profiling server
func (ps *ProfilingServer) Shutdown(ctx context.Context) error {
	return ps.server.Shutdown(ctx)
}

// MemorySnapshot captures a memory snapshot for analysis
type MemorySnapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	AllocMB      float64   `json:"alloc_mb"`
	TotalAllocMB float64   `json:"total_alloc_mb"`
	SysMB        float64   `json:"sys_mb"`
	HeapInuseMB  float64   `json:"heap_inuse_mb"`
	NumGC        uint32    `json:"num_gc"`
	Goroutines   int       `json:"goroutines"`
}

// TakeMemorySnapshot captures current memory state
func TakeMemorySnapshot() MemorySnapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return MemorySnapshot{
		Timestamp:    time.Now(),
		AllocMB:      bToMb(m.Alloc),
		TotalAllocMB: bToMb(m.TotalAlloc),
		SysMB:        bToMb(m.Sys),
		HeapInuseMB:  bToMb(m.HeapInuse),
		NumGC:        m.NumGC,
		Goroutines:   runtime.NumGoroutine(),
	}
}

func statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TakeMemorySnapshot())
}

func buildInfoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"go_version": runtime.Version(),
		"go_os":      runtime.GOOS,
		"go_arch":    runtime.GOARCH,
		"num_cpu":    runtime.NumCPU(),
		"max_procs":  runtime.GOMAXPROCS(0),
	})
}

// bToMb converts bytes to megabytes
func bToMb(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
