package httpapi

import "net/http"

// NewRouter wires every API endpoint behind the auth middleware.
func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.Handler {
		handler := http.Handler(h)
		if mw != nil {
			handler = mw(handler)
		}
		return handler
	}

	mux.Handle("/api/agents", wrap(svc.handleAgents))
	mux.Handle("/api/agents/", wrap(svc.handleAgentByID))

	mux.Handle("/api/epics", wrap(svc.handleEpics))
	mux.Handle("/api/epics/", wrap(svc.handleEpicByID))
	mux.Handle("/api/features", wrap(svc.handleFeatures))
	mux.Handle("/api/features/", wrap(svc.handleFeatureByID))

	mux.Handle("/api/tasks", wrap(svc.handleTasks))
	mux.Handle("/api/tasks/next", wrap(svc.handleNextTask))
	mux.Handle("/api/tasks/", wrap(svc.handleTaskAction))

	mux.Handle("/api/locks/stale", wrap(svc.handleStaleLocks))
	mux.Handle("/api/changes", wrap(svc.handleChanges))
	mux.Handle("/api/health", http.HandlerFunc(svc.handleHealth))

	if wsHandler != nil {
		if mw != nil {
			mux.Handle("/ws/agents/", mw(wsHandler))
		} else {
			mux.Handle("/ws/agents/", wsHandler)
		}
	}

	return mux
}
