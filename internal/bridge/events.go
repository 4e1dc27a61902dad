package bridge

import (
	"context"
	"encoding/json"
	"regexp"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
)

var eventNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.:-]{0,127}$`)

const maxEventPayloadBytes = 256 << 10

type emitParams struct {
	EventName      string          `json:"eventName"`
	TargetModuleID string          `json:"targetModuleId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type subscribeParams struct {
	EventName string `json:"eventName"`
}

// SubscriptionResult is the data of an accepted EVENT_SUBSCRIBE or
// EVENT_UNSUBSCRIBE. The runtime host wires live delivery from it.
type SubscriptionResult struct {
	EventName  string `json:"eventName"`
	Subscribed bool   `json:"subscribed"`
}

func (b *Bridge) eventEmit(ctx context.Context, req request) protocol.Response {
	var p emitParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	if !eventNameRe.MatchString(p.EventName) {
		return invalid("invalid event name %q", p.EventName)
	}
	if len(p.Payload) > maxEventPayloadBytes {
		return invalid("event payload exceeds %d bytes", maxEventPayloadBytes)
	}
	if len(p.Payload) > 0 {
		normalized, err := store.NormalizeJSON(p.Payload)
		if err != nil {
			return invalid("%v", err)
		}
		p.Payload = normalized
	}

	ev, err := b.deps.Events.Append(ctx, store.Event{
		ID:             id.NewEventID().String(),
		EventName:      p.EventName,
		SourceModuleID: req.mc.ModuleID,
		TargetModuleID: p.TargetModuleID,
		SiteID:         req.mc.SiteID,
		Payload:        p.Payload,
	})
	if err != nil {
		return b.backendFailure(req, protocol.CodeDBError, "enqueue event", err)
	}

	// The durable append is the guarantee. Live fan-out is best effort.
	if b.deps.Broker != nil {
		if err := b.deps.Broker.Publish(context.WithoutCancel(ctx), ev); err != nil {
			b.log.Warn("Live event publish failed",
				zap.String("event_id", ev.ID),
				zap.String("event", ev.EventName),
				zap.Error(err))
		}
	}
	return protocol.OK(map[string]any{"eventId": ev.ID, "queued": true})
}

func (b *Bridge) eventSubscribe(ctx context.Context, req request) protocol.Response {
	var p subscribeParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	if !eventNameRe.MatchString(p.EventName) {
		return invalid("invalid event name %q", p.EventName)
	}
	return protocol.OK(SubscriptionResult{EventName: p.EventName, Subscribed: true})
}

func (b *Bridge) eventUnsubscribe(ctx context.Context, req request) protocol.Response {
	var p subscribeParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	if !eventNameRe.MatchString(p.EventName) {
		return invalid("invalid event name %q", p.EventName)
	}
	return protocol.OK(SubscriptionResult{EventName: p.EventName, Subscribed: false})
}
