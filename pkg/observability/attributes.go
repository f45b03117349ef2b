package observability

import "go.opentelemetry.io/otel/attribute"

// Coworker semantic convention attributes.
var (
	AttrTenantID    = attribute.Key("coworker.tenant.id")
	AttrPersonaID   = attribute.Key("coworker.persona.id")
	AttrRouteReason = attribute.Key("coworker.route.reason")
	AttrProvider    = attribute.Key("coworker.llm.provider")
	AttrActionID    = attribute.Key("coworker.action.id")
	AttrActionType  = attribute.Key("coworker.action.type")
	AttrBatchID     = attribute.Key("coworker.batch.id")
	AttrBatchSize   = attribute.Key("coworker.batch.size")
)

// RoutingOperation creates attributes for a chat turn.
func RoutingOperation(tenantID, personaID, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrPersonaID.String(personaID),
		AttrRouteReason.String(reason),
	}
}

// GenerateOperation creates attributes for one model call.
func GenerateOperation(provider string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrProvider.String(provider)}
}

// ActionOperation creates attributes for the execution of one action.
func ActionOperation(tenantID, batchID, actionID, actionType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrBatchID.String(batchID),
		AttrActionID.String(actionID),
		AttrActionType.String(actionType),
	}
}

// BatchOperation creates attributes for a dispatched batch.
func BatchOperation(tenantID, batchID string, size int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrBatchID.String(batchID),
		AttrBatchSize.Int(size),
	}
}
