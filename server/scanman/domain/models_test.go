package domain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoragePath(t *testing.T) {
	f := File{StoredPath: "applications/42/", StoredFileName: "a1b2.pdf"}
	assert.Equal(t, "applications/42/a1b2.pdf", f.StoragePath())

	f = File{StoredPath: "", StoredFileName: "a1b2.pdf"}
	assert.Equal(t, "a1b2.pdf", f.StoragePath())
}

func TestMarkDeletedRecordsEventOnce(t *testing.T) {
	f := &File{ID: "f-1", ApplicationID: "app-9", StoredPath: "applications/9", StoredFileName: "x.docx", OriginalFileName: "cv.docx"}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	f.MarkDeleted(DeleteReasonInfected, at)
	f.MarkDeleted(DeleteReasonInfected, at.Add(time.Minute))

	require.True(t, f.IsDeleted())
	assert.Equal(t, at, *f.DeletedAt)
	events := f.PullEvents()
	require.Len(t, events, 1)
	deleted, ok := events[0].(FileDeletedEvent)
	require.True(t, ok)
	assert.Equal(t, "f-1", deleted.FileID)
	assert.Equal(t, "applications/9/x.docx", deleted.StoragePath)
	assert.Equal(t, "infected", deleted.Reason)
	assert.Empty(t, f.PullEvents())
}

func TestDispatcherNotifiesObserversInOrder(t *testing.T) {
	var seen []string
	d := NewDispatcher(
		EventObserverFunc(func(_ context.Context, tenantID string, evt Event) {
			seen = append(seen, "first:"+tenantID+":"+evt.EventName())
		}),
		EventObserverFunc(func(_ context.Context, tenantID string, evt Event) {
			seen = append(seen, "second:"+tenantID+":"+evt.EventName())
		}),
	)
	d.Dispatch(context.Background(), "acme", []Event{FileDeletedEvent{FileID: "f-1"}})
	assert.Equal(t, []string{"first:acme:file_deleted", "second:acme:file_deleted"}, seen)

	var nilDispatcher *Dispatcher
	assert.NotPanics(t, func() { nilDispatcher.Dispatch(context.Background(), "acme", []Event{FileDeletedEvent{}}) })
}

func TestMessageTypes(t *testing.T) {
	topics := MessageTopics()
	assert.Equal(t, TopicScanCompleted, topics[ScanResultEvent{}.MessageType()])
	assert.Equal(t, TopicScanRequested, topics[ScanRequestedEvent{}.MessageType()])
}
