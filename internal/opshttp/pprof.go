package opshttp

import (
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
)

// RegisterPprof wires the runtime profiling endpoints. Only called when
// profiling is explicitly enabled; the routes otherwise answer 404.
func RegisterPprof(r chi.Router) {
	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	// named profiles (heap, goroutine, block, mutex, allocs, threadcreate)
	r.HandleFunc("/debug/pprof/{name}", pprof.Index)
}
