package service

import (
	"context"

	commonlog "extapi/server/common/log"
	"extapi/server/common/metrics"
	"extapi/server/scanman/domain"
)

func LogObserver() domain.EventObserver {
	return domain.EventObserverFunc(func(_ context.Context, tenantID string, evt domain.Event) {
		switch e := evt.(type) {
		case domain.FileDeletedEvent:
			commonlog.Infof("event=domain_event kind=%s tenant_id=%s file_id=%s application_id=%s reason=%s path=%s", e.EventName(), tenantID, e.FileID, e.ApplicationID, e.Reason, e.StoragePath)
		default:
			commonlog.Infof("event=domain_event kind=%s tenant_id=%s", evt.EventName(), tenantID)
		}
	})
}

func MetricsObserver(m *metrics.Metrics) domain.EventObserver {
	return domain.EventObserverFunc(func(_ context.Context, _ string, evt domain.Event) {
		m.ObserveDomainEvent(evt.EventName())
	})
}

// StatusObserver marks files removed after their deletion is committed.
func StatusObserver(status StatusStore) domain.EventObserver {
	return domain.EventObserverFunc(func(ctx context.Context, tenantID string, evt domain.Event) {
		deleted, ok := evt.(domain.FileDeletedEvent)
		if !ok {
			return
		}
		rec := domain.ScanStatusRecord{FileID: deleted.FileID, Status: domain.ScanStatusRemoved, UpdatedAt: deleted.DeletedAt}
		if err := status.Set(ctx, tenantID, rec); err != nil {
			commonlog.Warnf("event=scan_status action=set status=failed tenant_id=%s file_id=%s scan_status=%s error=%v", tenantID, deleted.FileID, rec.Status, err)
		}
	})
}
