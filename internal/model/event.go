package model

import (
	"time"
)

// ResourceType identifies a tracked resource kind on the change bus.
type ResourceType string

const (
	ResourceConversation ResourceType = "conversation"
	ResourceSetting      ResourceType = "setting"
)

// EventType is the kind of change a ChangeEvent describes.
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is published once per durably-applied mutation and delivered
// to every subscriber. Payload carries the full resource after the change;
// for deletes it is nil and ResourceID identifies what was removed.
type ChangeEvent struct {
	ID           string       `json:"id"`
	ResourceType ResourceType `json:"resource_type"`
	EventType    EventType    `json:"event_type"`
	ResourceID   string       `json:"resource_id"`
	Payload      any          `json:"payload,omitempty"`
	Seq          uint64       `json:"seq,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}
