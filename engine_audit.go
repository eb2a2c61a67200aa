package clinicauth

import (
	"context"
	"errors"

	"github.com/MrEthical07/clinicauth/internal/audit"
	"github.com/MrEthical07/clinicauth/internal/logfields"
	"github.com/MrEthical07/clinicauth/rolelookup"
	"github.com/MrEthical07/clinicauth/session"
	"github.com/MrEthical07/clinicauth/store"
)

// AuditErrorCode is the error classification recorded on audit events.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrLocked             AuditErrorCode = "locked"
	auditErrLookupFailed       AuditErrorCode = "lookup_failed"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	identifier string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	ev := audit.NewEvent(eventType, e.now())
	ev.UserID = userID
	ev.IdentifierHash = logfields.HashIdentifier(normalizedIdentifier(identifier))
	ev.Success = success
	if code := auditErrorCode(err); code != "" {
		ev.Error = string(code)
	}
	if metadataBuilder != nil {
		ev.Metadata = metadataBuilder()
	}
	ev.Metadata = withRequestMetadata(ctx, ev.Metadata)

	e.audit.Emit(ctx, ev)
}

func auditErrorCode(err error) AuditErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrLoginLocked):
		return auditErrLocked
	case errors.Is(err, rolelookup.ErrLookupFailed):
		return auditErrLookupFailed
	case errors.Is(err, store.ErrUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}

// observe turns resolver notices into metrics and audit events. It runs on
// resolver goroutines and must not block.
func (e *Engine) observe(n session.Notice) {
	ctx := context.Background()
	switch n.Kind {
	case session.NoticeRoleResolved:
		e.metricInc(MetricRoleResolved)
		if n.Source == session.RoleSourceCache {
			e.metricInc(MetricRoleCacheHit)
		}
		if n.Source == session.RoleSourceLookup {
			e.metrics.Observe(MetricRoleLookupLatency, n.Latency)
		}
		e.emitAudit(ctx, audit.TypeRoleResolved, true, n.UserID, "", nil, func() map[string]string {
			return map[string]string{"role": n.Role.String(), "source": string(n.Source)}
		})
	case session.NoticeRoleLookupFailed:
		e.metricInc(MetricRoleLookupFailure)
		e.metrics.Observe(MetricRoleLookupLatency, n.Latency)
		e.emitAudit(ctx, audit.TypeRoleLookupFailed, false, n.UserID, "", n.Err, nil)
	case session.NoticeSessionValidated:
		e.metricInc(MetricSessionValidated)
	case session.NoticeSessionRejected:
		e.metricInc(MetricSessionRejected)
		e.emitAudit(ctx, audit.TypeSessionRejected, false, n.UserID, "", n.Err, func() map[string]string {
			return map[string]string{"reason": n.Reason}
		})
	case session.NoticeEventDuplicate:
		e.metricInc(MetricEventDuplicate)
	case session.NoticeEventDebounced:
		e.metricInc(MetricEventDebounced)
	case session.NoticeSignedOut:
		e.metricInc(MetricSignOut)
		e.emitAudit(ctx, audit.TypeSignedOut, true, n.UserID, "", nil, nil)
	}
}
