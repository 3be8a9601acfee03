// Package http contains HTTP handlers that work with the workflow engine.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/wfnet/wfnet/engine"
	"github.com/wfnet/wfnet/engine/storage"
	"github.com/wfnet/wfnet/http/api"
	"github.com/wfnet/wfnet/logkeys"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var ErrMalformedBody = errors.New("malformed request body")

// apiStatusCode maps engine error taxonomy onto HTTP status codes.
func apiStatusCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound),
		errors.Is(err, engine.ErrSpecificationNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrUnresolvedSplit):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidSpecification),
		errors.Is(err, engine.ErrDataValidation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

type CaseLauncher interface {
	LaunchCase(ctx context.Context, specID string, data map[string]interface{}, opts ...engine.LaunchOption) (string, error)
}

type CaseManager interface {
	CaseStatus(ctx context.Context, caseID string) (*engine.CaseSummary, error)
	CancelCase(ctx context.Context, caseID string) error
	CaseEvents(ctx context.Context, caseID string, fromSeq uint64) ([]*storage.Event, error)
	ChildCases(ctx context.Context, caseID string) []string
}

type ItemWorker interface {
	WorkItems(ctx context.Context, f engine.ItemFilter) ([]engine.ItemSummary, error)
	CheckoutWorkItem(ctx context.Context, itemID string) (*engine.ItemPayload, error)
	CheckinWorkItem(ctx context.Context, itemID string, output map[string]interface{}) error
	CancelWorkItem(ctx context.Context, itemID string) error
	SuspendWorkItem(ctx context.Context, itemID string) error
	ResumeWorkItem(ctx context.Context, itemID string) error
	FailWorkItem(ctx context.Context, itemID string) error
}

// LaunchCaseHandler creates a HandlerFunc that launches a new case of the
// URL-named specification. The request body, if any, is the initial case
// data document. A parent URL parameter annotates the case as a child.
func LaunchCaseHandler(launcher CaseLauncher, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		specID := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.SpecID, specID)

		var data map[string]interface{}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
				logger.Info(logkeys.Message, "decoding case data", logkeys.Error, err)
				api.JSONError(w, ErrMalformedBody, http.StatusBadRequest)
				return
			}
		}

		var opts []engine.LaunchOption
		if parent := r.URL.Query().Get("parent"); parent != "" {
			opts = append(opts, engine.WithParentCase(parent))
		}

		caseID, err := launcher.LaunchCase(r.Context(), specID, data, opts...)
		if err != nil {
			logger.Info(logkeys.Message, "launching case", logkeys.Error, err)
			api.JSONError(w, err, apiStatusCode(err))
			return
		}

		logger.Debug(logkeys.Message, "launched case", logkeys.CaseID, caseID)
		jsonResp := &struct {
			CaseID string `json:"case_id"`
		}{CaseID: caseID}
		if err = json.NewEncoder(w).Encode(jsonResp); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// GetCaseHandler creates a HandlerFunc that reports case state.
func GetCaseHandler(mgr CaseManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		caseID := flow.Param(r.Context(), "id")

		summary, err := mgr.CaseStatus(r.Context(), caseID)
		if err != nil {
			logger.Info(logkeys.Message, "case status", logkeys.CaseID, caseID, logkeys.Error, err)
			api.JSONError(w, err, apiStatusCode(err))
			return
		}
		w.Header().Set("Content-type", "application/json")
		if err = json.NewEncoder(w).Encode(summary); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// CancelCaseHandler creates a HandlerFunc that cancels a case.
func CancelCaseHandler(mgr CaseManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		caseID := flow.Param(r.Context(), "id")

		if err := mgr.CancelCase(r.Context(), caseID); err != nil {
			logger.Info(logkeys.Message, "cancelling case", logkeys.CaseID, caseID, logkeys.Error, err)
			api.JSONError(w, err, apiStatusCode(err))
			return
		}
		logger.Debug(logkeys.Message, "cancelled case", logkeys.CaseID, caseID)
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetCaseEventsHandler creates a HandlerFunc that reads a case's event
// log. A from URL parameter makes the read restartable.
func GetCaseEventsHandler(mgr CaseManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		caseID := flow.Param(r.Context(), "id")

		var fromSeq uint64
		if from := r.URL.Query().Get("from"); from != "" {
			var err error
			if fromSeq, err = strconv.ParseUint(from, 10, 64); err != nil {
				api.JSONError(w, err, http.StatusBadRequest)
				return
			}
		}

		events, err := mgr.CaseEvents(r.Context(), caseID, fromSeq)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving case events", logkeys.CaseID, caseID, logkeys.Error, err)
			api.JSONError(w, err, apiStatusCode(err))
			return
		}
		w.Header().Set("Content-type", "application/json")
		if err = json.NewEncoder(w).Encode(events); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// GetChildCasesHandler creates a HandlerFunc that lists a case's children.
func GetChildCasesHandler(mgr CaseManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		caseID := flow.Param(r.Context(), "id")

		jsonResp := &struct {
			CaseIDs []string `json:"case_ids"`
		}{CaseIDs: mgr.ChildCases(r.Context(), caseID)}
		w.Header().Set("Content-type", "application/json")
		if err := json.NewEncoder(w).Encode(jsonResp); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// GetWorkItemsHandler creates a HandlerFunc that lists work items. The
// case, task, status, after, and limit URL parameters filter and page.
func GetWorkItemsHandler(worker ItemWorker, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		q := r.URL.Query()
		filter := engine.ItemFilter{
			CaseID: q.Get("case"),
			TaskID: q.Get("task"),
			Status: engine.ItemStatus(q.Get("status")),
			After:  q.Get("after"),
		}
		if limit := q.Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil {
				api.JSONError(w, err, http.StatusBadRequest)
				return
			}
			filter.Limit = n
		}

		items, err := worker.WorkItems(r.Context(), filter)
		if err != nil {
			logger.Info(logkeys.Message, "listing work items", logkeys.Error, err)
			api.JSONError(w, err, apiStatusCode(err))
			return
		}
		w.Header().Set("Content-type", "application/json")
		if err = json.NewEncoder(w).Encode(items); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// CheckoutWorkItemHandler creates a HandlerFunc that checks out a work
// item and returns its payload.
func CheckoutWorkItemHandler(worker ItemWorker, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		itemID := flow.Param(r.Context(), "id")

		payload, err := worker.CheckoutWorkItem(r.Context(), itemID)
		if err != nil {
			logger.Info(logkeys.Message, "checkout work item", logkeys.WorkItemID, itemID, logkeys.Error, err)
			api.JSONError(w, err, apiStatusCode(err))
			return
		}
		w.Header().Set("Content-type", "application/json")
		if err = json.NewEncoder(w).Encode(payload); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// CheckinWorkItemHandler creates a HandlerFunc that checks in a work item
// with the request body as its output data document.
func CheckinWorkItemHandler(worker ItemWorker, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		itemID := flow.Param(r.Context(), "id")

		var output map[string]interface{}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&output); err != nil {
				logger.Info(logkeys.Message, "decoding output data", logkeys.Error, err)
				api.JSONError(w, ErrMalformedBody, http.StatusBadRequest)
				return
			}
		}

		if err := worker.CheckinWorkItem(r.Context(), itemID, output); err != nil {
			logger.Info(logkeys.Message, "checkin work item", logkeys.WorkItemID, itemID, logkeys.Error, err)
			api.JSONError(w, err, apiStatusCode(err))
			return
		}
		logger.Debug(logkeys.Message, "checked in work item", logkeys.WorkItemID, itemID)
		w.WriteHeader(http.StatusNoContent)
	}
}

// WorkItemOpHandler creates a HandlerFunc around one of the bare work
// item lifecycle operations (cancel, suspend, resume, fail).
func WorkItemOpHandler(op func(ctx context.Context, itemID string) error, name string, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		itemID := flow.Param(r.Context(), "id")

		if err := op(r.Context(), itemID); err != nil {
			logger.Info(logkeys.Message, name, logkeys.WorkItemID, itemID, logkeys.Error, err)
			api.JSONError(w, err, apiStatusCode(err))
			return
		}
		logger.Debug(logkeys.Message, name, logkeys.WorkItemID, itemID)
		w.WriteHeader(http.StatusNoContent)
	}
}
