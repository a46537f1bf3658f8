package sync

import (
	"encoding/json"
	"fmt"
	"time"
)

type ChangeType string

const (
	Insert ChangeType = "insert"
	Update ChangeType = "update"
	Delete ChangeType = "delete"
)

// ChangeEvent is one inbound change-stream event from the remote backend.
type ChangeEvent struct {
	Type       ChangeType      `json:"eventType"`
	Collection string          `json:"collection"`
	EntityID   string          `json:"entityId"`
	OldPayload json.RawMessage `json:"oldPayload,omitempty"`
	NewPayload json.RawMessage `json:"newPayload,omitempty"`
	Version    string          `json:"versionMarker"`
	ObservedAt time.Time       `json:"-"`
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("[%s] %s/%s @%s", e.Type, e.Collection, e.EntityID, e.Version)
}

// Trigger names the cause of a sync run.
type Trigger string

const (
	TriggerOnline   Trigger = "online"
	TriggerInterval Trigger = "interval"
	TriggerManual   Trigger = "manual"
)
