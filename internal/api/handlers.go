package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/muaviaUsmani/pantry/internal/crontab"
	"github.com/muaviaUsmani/pantry/internal/history"
	"github.com/muaviaUsmani/pantry/internal/logger"
	"github.com/muaviaUsmani/pantry/internal/schedule"
	"github.com/muaviaUsmani/pantry/internal/scheduler"
)

// ScheduleResponse is a schedule plus its human readable recurrence
type ScheduleResponse struct {
	*schedule.Schedule
	Description string `json:"description"`
	Armed       bool   `json:"armed"`
}

type createScheduleRequest struct {
	Name            string `json:"name"`
	CronExpression  string `json:"cronExpression"`
	IntervalMinutes *int   `json:"intervalMinutes"`
	Enabled         *bool  `json:"enabled"`
}

type updateScheduleRequest struct {
	ID              string  `json:"id"`
	Name            *string `json:"name"`
	Enabled         *bool   `json:"enabled"`
	CronExpression  *string `json:"cronExpression"`
	IntervalMinutes *int    `json:"intervalMinutes"`
}

type runRequest struct {
	AutoSelect bool   `json:"autoSelect"`
	SourceID   string `json:"sourceId"`
	Title      string `json:"title"`
}

type deleteRunsRequest struct {
	LogIDs []string `json:"logIds"`
}

type deleteCountResponse struct {
	DeletedCount int `json:"deletedCount"`
}

type deleteScheduleResponse struct {
	Deleted    bool `json:"deleted"`
	PurgedRuns int  `json:"purgedRuns"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"armedSchedules": s.registry.Count(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.GetMetrics())
}

func (s *Server) scheduleResponse(sc *schedule.Schedule) ScheduleResponse {
	return ScheduleResponse{
		Schedule:    sc,
		Description: crontab.CronToHuman(sc.CronExpression),
		Armed:       s.registry.IsArmed(sc.ID),
	}
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	all, err := s.manager.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out := make([]ScheduleResponse, 0, len(all))
	for _, sc := range all {
		out = append(out, s.scheduleResponse(sc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := readJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	sc, err := s.manager.Create(r.Context(), scheduler.CreateParams{
		Name:            req.Name,
		CronExpression:  req.CronExpression,
		IntervalMinutes: req.IntervalMinutes,
		Enabled:         enabled,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.scheduleResponse(sc))
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req updateScheduleRequest
	if err := readJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	sc, err := s.manager.Update(r.Context(), scheduler.UpdateParams{
		ID:              req.ID,
		Name:            req.Name,
		Enabled:         req.Enabled,
		CronExpression:  req.CronExpression,
		IntervalMinutes: req.IntervalMinutes,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.scheduleResponse(sc))
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	purge, _ := strconv.ParseBool(r.URL.Query().Get("purgeRuns"))

	existed, purged, err := s.manager.Delete(r.Context(), id, purge)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteScheduleResponse{Deleted: existed, PurgedRuns: purged})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many manual runs, try again shortly")
		return
	}

	var req runRequest
	if err := readJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	res, err := s.registry.RunNow(r.Context(), scheduler.ManualRequest{
		AutoSelect: req.AutoSelect,
		SourceID:   req.SourceID,
		Title:      req.Title,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.log.InfoContext(logger.WithRunID(r.Context(), res.Run.ID), "Manual run requested",
		"outcome", res.Outcome,
		"source_id", res.Run.Source.ID)
	writeJSON(w, http.StatusAccepted, res.Run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	p, err := s.history.List(r.Context(), history.Query{
		Status:      q.Get("status"),
		TriggeredBy: q.Get("triggeredBy"),
		Page:        page,
		Limit:       limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	got, err := s.history.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleDeleteRuns(w http.ResponseWriter, r *http.Request) {
	var req deleteRunsRequest
	if err := readJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	n, err := s.history.DeleteMany(r.Context(), req.LogIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteCountResponse{DeletedCount: n})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	n, err := s.history.DeleteOne(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteCountResponse{DeletedCount: n})
}

// intParam parses an optional integer query value; empty means 0
func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", errBadRequest, v)
	}
	return n, nil
}
