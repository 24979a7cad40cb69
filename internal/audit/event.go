package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// EventType is the closed set of security-relevant actions.
type EventType string

const (
	EventLogin              EventType = "login"
	EventLogout             EventType = "logout"
	EventRecordViewed       EventType = "record_viewed"
	EventRecordCreated      EventType = "record_created"
	EventRecordUpdated      EventType = "record_updated"
	EventRecordDeleted      EventType = "record_deleted"
	EventDataExported       EventType = "data_exported"
	EventPasswordChanged    EventType = "password_changed"
	EventUnauthorizedAccess EventType = "unauthorized_access_attempt"
	EventSessionTimeout     EventType = "session_timeout"
)

var eventTypes = map[EventType]struct{}{
	EventLogin: {}, EventLogout: {}, EventRecordViewed: {}, EventRecordCreated: {},
	EventRecordUpdated: {}, EventRecordDeleted: {}, EventDataExported: {},
	EventPasswordChanged: {}, EventUnauthorizedAccess: {}, EventSessionTimeout: {},
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// Event is an immutable audit record.
type Event struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserEmail    string    `json:"user_email"`
	Type         EventType `json:"event_type"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	DeviceInfo   string    `json:"device_info"`
}

// RecordOption adds optional fields to a recorded event.
type RecordOption func(*Event)

// WithResource attaches the affected resource.
func WithResource(resourceType, resourceID string) RecordOption {
	return func(e *Event) {
		e.ResourceType = strings.TrimSpace(resourceType)
		e.ResourceID = strings.TrimSpace(resourceID)
	}
}

// DeviceInfo describes the current host as "os/arch/hosthash". The host name
// is hashed so exported logs do not carry it.
func DeviceInfo() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	sum := sha256.Sum256([]byte(host))
	return fmt.Sprintf("%s/%s/%s", runtime.GOOS, runtime.GOARCH, hex.EncodeToString(sum[:4]))
}
