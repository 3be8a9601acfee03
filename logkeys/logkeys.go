// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	CaseID = "case_id"
	SpecID = "spec_id"
	TaskID = "task_id"

	WorkItemID = "work_item_id"

	EventKind = "event_kind"
	EventSeq  = "event_seq"

	CaseStatus = "case_status"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
