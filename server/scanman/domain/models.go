package domain

import (
	"errors"
	"path"
	"strings"
	"time"
)

const (
	MessageTypeScanRequested = "ScanRequestedEvent"
	MessageTypeScanResult    = "ScanResultEvent"

	TopicScanRequested = "file.scan.requested"
	TopicScanCompleted = "file.scan.completed"
)

var ErrFileNotFound = errors.New("file not found")

// MessageTopics binds every message type this service exchanges to its
// topic.
func MessageTopics() map[string]string {
	return map[string]string{
		MessageTypeScanRequested: TopicScanRequested,
		MessageTypeScanResult:    TopicScanCompleted,
	}
}

type ScanRequestedEvent struct {
	FileID        string    `json:"file_id"`
	ApplicationID string    `json:"application_id"`
	StoragePath   string    `json:"storage_path"`
	RequestedAt   time.Time `json:"requested_at"`
}

func (ScanRequestedEvent) MessageType() string { return MessageTypeScanRequested }

type ScanResultEvent struct {
	FileID    string    `json:"file_id"`
	Infected  bool      `json:"infected"`
	Signature string    `json:"signature,omitempty"`
	ScannedAt time.Time `json:"scanned_at"`
}

func (ScanResultEvent) MessageType() string { return MessageTypeScanResult }

type ScanStatus string

const (
	ScanStatusPending  ScanStatus = "pending"
	ScanStatusClean    ScanStatus = "clean"
	ScanStatusInfected ScanStatus = "infected"
	ScanStatusRemoved  ScanStatus = "removed"
)

type ScanStatusRecord struct {
	FileID    string     `json:"file_id"`
	Status    ScanStatus `json:"status"`
	Signature string     `json:"signature,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// File is an application attachment. Events recorded by its mutations are
// drained by the unit of work that persists it.
type File struct {
	ID               string     `json:"id"`
	ApplicationID    string     `json:"application_id"`
	StoredPath       string     `json:"stored_path"`
	StoredFileName   string     `json:"stored_file_name"`
	OriginalFileName string     `json:"original_file_name"`
	ContentType      string     `json:"content_type"`
	SizeBytes        int64      `json:"size_bytes"`
	ThumbnailPath    string     `json:"thumbnail_path,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`

	events []Event
}

func (f *File) StoragePath() string {
	return path.Join(strings.TrimSpace(f.StoredPath), strings.TrimSpace(f.StoredFileName))
}

func (f *File) IsDeleted() bool {
	return f.DeletedAt != nil
}

// MarkDeleted is idempotent; only the first call records a FileDeletedEvent.
func (f *File) MarkDeleted(reason string, at time.Time) {
	if f.DeletedAt != nil {
		return
	}
	at = at.UTC()
	f.DeletedAt = &at
	f.events = append(f.events, FileDeletedEvent{
		FileID:           f.ID,
		ApplicationID:    f.ApplicationID,
		StoragePath:      f.StoragePath(),
		OriginalFileName: f.OriginalFileName,
		Reason:           reason,
		DeletedAt:        at,
	})
}

// PullEvents returns and clears the recorded events.
func (f *File) PullEvents() []Event {
	events := f.events
	f.events = nil
	return events
}
