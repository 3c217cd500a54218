package wal

import "github.com/c-atts/catts-app/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventTaskAdded  EventType = "TASK_ADDED"  // Task inserted into the schedule
	EventTaskPopped EventType = "TASK_POPPED" // Task removed from the schedule for dispatch
	EventRunUpsert  EventType = "RUN_UPSERT"  // Full Run state after a create or update
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64              `json:"seq"`           // Event sequence number (monotonically increasing)
	Type      EventType           `json:"type"`          // Event type
	Task      types.ScheduledTask `json:"task"`          // Scheduled task the event applies to
	Run       *types.Run          `json:"run,omitempty"` // Run state, only for RUN_UPSERT
	Timestamp int64               `json:"timestamp"`     // Unix millisecond timestamp
	Checksum  uint32              `json:"checksum"`      // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
