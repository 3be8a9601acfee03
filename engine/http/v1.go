package http

import (
	"net/http"

	"github.com/micromdm/nanolib/log"
)

type APIEngine interface {
	SpecRegistry
	CaseLauncher
	CaseManager
	ItemWorker
}

// Mux can register HTTP handlers.
// Ostensibly this supports flow router.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the various API handlers into mux.
// API endpoint paths are prepended with prefix.
// Authentication or any other layered handlers are not present.
// They are assumed to be layered with mux, possibly at the Handle call.
// If prefix is empty and these handlers are used in sub-paths then
// handlers should have that sub-path stripped from the request.
// The logger is adorned with a "handler" key of the endpoint name.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, e APIEngine) {
	// specifications

	mux.Handle(
		prefix+"/spec/:id",
		PutSpecHandler(e, logger.With("handler", "put spec")),
		"PUT",
	)
	mux.Handle(
		prefix+"/spec/:id",
		GetSpecHandler(e, logger.With("handler", "get spec")),
		"GET",
	)
	mux.Handle(
		prefix+"/specs",
		GetSpecIDsHandler(e, logger.With("handler", "get specs")),
		"GET",
	)

	// cases

	mux.Handle(
		prefix+"/spec/:id/launch",
		LaunchCaseHandler(e, logger.With("handler", "launch case")),
		"POST",
	)
	mux.Handle(
		prefix+"/case/:id",
		GetCaseHandler(e, logger.With("handler", "get case")),
		"GET",
	)
	mux.Handle(
		prefix+"/case/:id/cancel",
		CancelCaseHandler(e, logger.With("handler", "cancel case")),
		"POST",
	)
	mux.Handle(
		prefix+"/case/:id/events",
		GetCaseEventsHandler(e, logger.With("handler", "get case events")),
		"GET",
	)
	mux.Handle(
		prefix+"/case/:id/children",
		GetChildCasesHandler(e, logger.With("handler", "get child cases")),
		"GET",
	)

	// work items

	mux.Handle(
		prefix+"/workitems",
		GetWorkItemsHandler(e, logger.With("handler", "get work items")),
		"GET",
	)
	mux.Handle(
		prefix+"/workitem/:id/checkout",
		CheckoutWorkItemHandler(e, logger.With("handler", "checkout work item")),
		"POST",
	)
	mux.Handle(
		prefix+"/workitem/:id/checkin",
		CheckinWorkItemHandler(e, logger.With("handler", "checkin work item")),
		"POST",
	)
	mux.Handle(
		prefix+"/workitem/:id/cancel",
		WorkItemOpHandler(e.CancelWorkItem, "cancel work item", logger.With("handler", "cancel work item")),
		"POST",
	)
	mux.Handle(
		prefix+"/workitem/:id/suspend",
		WorkItemOpHandler(e.SuspendWorkItem, "suspend work item", logger.With("handler", "suspend work item")),
		"POST",
	)
	mux.Handle(
		prefix+"/workitem/:id/resume",
		WorkItemOpHandler(e.ResumeWorkItem, "resume work item", logger.With("handler", "resume work item")),
		"POST",
	)
	mux.Handle(
		prefix+"/workitem/:id/fail",
		WorkItemOpHandler(e.FailWorkItem, "fail work item", logger.With("handler", "fail work item")),
		"POST",
	)
}
