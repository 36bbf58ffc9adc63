// Package notify decorates a core.Responder with a push-notification
// side-channel: before handing a protocol message to the real
// responder, it wakes a sleeping mobile holder wallet via APNS. The
// decorator shape — wrap the real call, treat the side-channel as
// best-effort, never let its failure block the protocol — follows
// agent/cloud.Agent.CallEA's "an error calling SA usually means SA is
// absent; let the protocol continue" posture.
package notify

import (
	"context"

	"github.com/golang/glog"
	apns "github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"

	"github.com/findy-network/issuecred-engine/core"
)

// DeviceTokens resolves the APNS device token(s) registered for a
// connection. A deployment backs this with whatever table maps
// connection_id -> mobile push tokens; the engine has no opinion on that
// storage.
type DeviceTokens interface {
	TokensFor(ctx context.Context, connectionID string) ([]string, error)
}

// APNSResponder wraps an underlying core.Responder, pushing a
// wake-up notification to every registered device token for the
// connection before delegating the actual message delivery.
type APNSResponder struct {
	Next   core.Responder
	Client *apns.Client
	Topic  string
	Tokens DeviceTokens
}

// SendReply implements core.Responder. A push failure is logged and
// swallowed: the protocol message itself still goes out over Next, the
// same way CallEA never lets an SA-side failure abort a DIDComm exchange.
func (r *APNSResponder) SendReply(ctx context.Context, message interface{}, connectionID string) error {
	r.wake(ctx, connectionID)
	return r.Next.SendReply(ctx, message, connectionID)
}

func (r *APNSResponder) wake(ctx context.Context, connectionID string) {
	if r.Tokens == nil || r.Client == nil {
		return
	}
	tokens, err := r.Tokens.TokensFor(ctx, connectionID)
	if err != nil {
		glog.Warningf("apns: cannot resolve device tokens for %s: %v", connectionID, err)
		return
	}
	for _, token := range tokens {
		notification := &apns.Notification{
			DeviceToken: token,
			Topic:       r.Topic,
			Payload:     payload.NewPayload().AlertTitle("New credential activity").ContentAvailable(),
		}
		res, err := r.Client.Push(notification)
		if err != nil {
			glog.Warningf("apns: push to %s failed: %v", token, err)
			continue
		}
		if !res.Sent() {
			glog.Warningf("apns: push to %s rejected: %s (%s)", token, res.Reason, res.ApnsID)
		}
	}
}
