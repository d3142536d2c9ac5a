package main

import (
	"log/slog"
	"net/http"
	"sync/atomic"
)

// reloadableAPI serves the HTTP API through a handler that SIGHUP can
// rebuild with a new logger while the listener stays up. A request keeps the
// handler it started on.
type reloadableAPI struct {
	build   func(*slog.Logger) http.Handler
	current atomic.Pointer[http.Handler]
}

func newReloadableAPI(build func(*slog.Logger) http.Handler, logger *slog.Logger) *reloadableAPI {
	a := &reloadableAPI{build: build}
	a.Rebuild(logger)
	return a
}

func (a *reloadableAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*a.current.Load()).ServeHTTP(w, r)
}

// Rebuild installs a handler built with logger.
func (a *reloadableAPI) Rebuild(logger *slog.Logger) {
	h := a.build(logger)
	a.current.Store(&h)
}
