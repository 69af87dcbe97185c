package model

import (
	"encoding/json"
	"time"
)

// Priority indicates how urgently a notification should be surfaced to the
// recipient.
type Priority string

// The closed set of notification priorities.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid returns true if the priority is one of the recognized values.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Notification represents a single notification to be recorded in the database
// and delivered to the recipient's live sessions.
type Notification struct {
	ID               string          `json:"id"`
	NotificationType string          `json:"type"`
	Recipient        string          `json:"recipientId"`
	Sender           string          `json:"senderId,omitempty"`
	Subject          string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	EntityType       string          `json:"entityType,omitempty"`
	EntityID         string          `json:"entityId,omitempty"`
	Priority         Priority        `json:"priority"`
	Seen             bool            `json:"isRead"`
	Deleted          bool            `json:"isArchived"`
	TimeCreated      time.Time       `json:"createdAt"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

// Newer reports whether n precedes other in the canonical feed order, which
// is time created descending with ties broken by ID descending.
func (n *Notification) Newer(other *Notification) bool {
	if !n.TimeCreated.Equal(other.TimeCreated) {
		return n.TimeCreated.After(other.TimeCreated)
	}
	return n.ID > other.ID
}
