package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverPanics, s.observe)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Everything below honours the bearer token.
	p := r.NewRoute().Subrouter()
	p.Use(s.requireToken, s.limitBody)

	p.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	p.HandleFunc("/api/send-now", s.handleSendNow).Methods(http.MethodPost)
	p.HandleFunc("/api/schedule", s.handleSchedule).Methods(http.MethodPost)
	p.HandleFunc("/api/schedule", s.handleListJobs).Methods(http.MethodGet)
	p.HandleFunc("/api/schedule/{id}", s.handleGetJob).Methods(http.MethodGet)
	p.HandleFunc("/api/schedule/{id}", s.handleCancelJob).Methods(http.MethodDelete)
	p.HandleFunc("/api/reset-session", s.handleResetSession).Methods(http.MethodPost)
	p.HandleFunc("/api/session", s.handleSession).Methods(http.MethodGet)
	p.HandleFunc("/api/tasks", s.handleTasks).Methods(http.MethodGet)
	p.HandleFunc("/api/messages", s.handleMessageLogs).Methods(http.MethodGet)
	p.HandleFunc("/api/birthday-sweep", s.handleSweep).Methods(http.MethodPost)

	p.HandleFunc("/employee", s.handleListEmployees).Methods(http.MethodGet)
	p.HandleFunc("/employee", s.handleCreateEmployee).Methods(http.MethodPost)
	p.HandleFunc("/employee/upcoming-birthdays", s.handleUpcoming).Methods(http.MethodGet)
	p.HandleFunc("/employee/{id}", s.handleGetEmployee).Methods(http.MethodGet)
	p.HandleFunc("/employee/{id}", s.handleUpdateEmployee).Methods(http.MethodPut)
	p.HandleFunc("/employee/{id}", s.handleDeleteEmployee).Methods(http.MethodDelete)

	p.HandleFunc("/birthday-schedule", s.handleListSchedules).Methods(http.MethodGet)
	p.HandleFunc("/birthday-schedule/{employeeId}", s.handleCreateSchedule).Methods(http.MethodPost)
	p.HandleFunc("/birthday-schedule/{id}", s.handleGetSchedule).Methods(http.MethodGet)
	p.HandleFunc("/birthday-schedule/{id}", s.handleUpdateSchedule).Methods(http.MethodPut)
	p.HandleFunc("/birthday-schedule/{id}", s.handleDeleteSchedule).Methods(http.MethodDelete)

	return r
}
