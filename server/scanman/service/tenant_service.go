package service

import (
	"errors"
	"strings"

	commonlog "extapi/server/common/log"
)

var ErrTenantIDRequired = errors.New("tenant_id is required")

type TenantInvalidator interface {
	InvalidateTenant(tenantID string)
}

// TenantService drops every per-tenant resource cached by this process so
// the next use picks up changed tenant configuration.
type TenantService struct {
	invalidators []TenantInvalidator
}

func NewTenantService(invalidators ...TenantInvalidator) *TenantService {
	return &TenantService{invalidators: invalidators}
}

func (s *TenantService) Invalidate(tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrTenantIDRequired
	}
	for _, inv := range s.invalidators {
		inv.InvalidateTenant(tenantID)
	}
	commonlog.Infof("event=tenant_invalidate status=ok tenant_id=%s invalidators=%d", tenantID, len(s.invalidators))
	return nil
}
