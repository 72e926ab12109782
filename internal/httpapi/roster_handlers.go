package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"chatbridge/internal/roster"
)

const defaultUpcomingDays = 7

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, key)
	}
	return n, nil
}

func (s *Server) handleListEmployees(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Roster.ListEmployees(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "total": len(list), "data": list})
}

func (s *Server) handleCreateEmployee(w http.ResponseWriter, r *http.Request) {
	var in roster.EmployeeInput
	if err := decode(r, &in); err != nil {
		fail(w, err)
		return
	}
	e, err := s.deps.Roster.CreateEmployee(r.Context(), in)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "Employee added successfully",
		"data":    e,
	})
}

func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", defaultUpcomingDays)
	if err != nil {
		fail(w, err)
		return
	}
	list, err := s.deps.Roster.UpcomingBirthdays(r.Context(), days)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"total":        len(list),
		"upcomingDays": days,
		"data":         list,
	})
}

func (s *Server) handleGetEmployee(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Roster.GetEmployee(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": e})
}

func (s *Server) handleUpdateEmployee(w http.ResponseWriter, r *http.Request) {
	var p roster.EmployeePatch
	if err := decode(r, &p); err != nil {
		fail(w, err)
		return
	}
	e, err := s.deps.Roster.UpdateEmployee(r.Context(), mux.Vars(r)["id"], p)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Employee updated successfully",
		"data":    e,
	})
}

func (s *Server) handleDeleteEmployee(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Roster.DeleteEmployee(r.Context(), mux.Vars(r)["id"]); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Employee deleted successfully",
	})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var in roster.ScheduleInput
	if err := decode(r, &in); err != nil && !errors.Is(err, errEmptyBody) {
		fail(w, err)
		return
	}
	sc, err := s.deps.Roster.CreateSchedule(r.Context(), mux.Vars(r)["employeeId"], in)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "Birthday schedule created successfully!",
		"data":    sc,
	})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	status := roster.ScheduleStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	list, err := s.deps.Roster.ListSchedules(r.Context(), status)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "total": len(list), "data": list})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.deps.Roster.GetSchedule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": sc})
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var p roster.SchedulePatch
	if err := decode(r, &p); err != nil {
		fail(w, err)
		return
	}
	sc, err := s.deps.Roster.UpdateSchedule(r.Context(), mux.Vars(r)["id"], p)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Birthday schedule updated successfully",
		"data":    sc,
	})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Roster.DeleteSchedule(r.Context(), mux.Vars(r)["id"]); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Birthday schedule deleted successfully",
	})
}
