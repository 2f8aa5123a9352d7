package tenantauth

import (
	"context"

	"github.com/MrEthical07/tenantauth/datastore"
	"github.com/MrEthical07/tenantauth/internal/audit"
	"github.com/MrEthical07/tenantauth/internal/logkey"
)

// auditRecord is what a flow knows about one auditable outcome.
type auditRecord struct {
	eventType string
	tenantID  string
	userID    string
	actorID   string
	success   bool
	err       error
}

func (e *Engine) emitAudit(ctx context.Context, r auditRecord, metadataBuilder func() map[string]string) {
	if e == nil || e.audit == nil {
		return
	}
	if r.tenantID == "" {
		if t, ok := TenantFromContext(ctx); ok {
			r.tenantID = t.ID
		}
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := audit.Event{
		Timestamp: e.now().UTC(),
		Type:      r.eventType,
		TenantID:  r.tenantID,
		UserID:    r.userID,
		ActorID:   r.actorID,
		IP:        clientIPFromContext(ctx),
		Success:   r.success,
		Metadata:  metadata,
	}
	if r.err != nil {
		event.Error = Code(r.err)
	}
	e.audit.Emit(ctx, event)
}

// auditBreakerTransition is already rate limited per tenant by the router.
func (e *Engine) auditBreakerTransition(ctx context.Context, tenantID string, t datastore.Transition) {
	e.emitAudit(ctx, auditRecord{
		eventType: audit.DatastoreBreakerState,
		tenantID:  tenantID,
		success:   t.To == datastore.Closed,
	}, func() map[string]string {
		return map[string]string{
			"store": logkey.Hash(t.Address),
			"from":  t.From.String(),
			"to":    t.To.String(),
		}
	})
}
