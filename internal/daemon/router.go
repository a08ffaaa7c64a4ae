package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quinnbmay/zenflo-sub001/internal/agentproto"
	"github.com/quinnbmay/zenflo-sub001/internal/sessions"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// AgentInput accepts commands for the running agent.
type AgentInput interface {
	Send(agentproto.Command) error
}

// Router delivers device actions to live agent sessions. It never queues:
// an action either reaches the agent now or fails.
type Router struct {
	sessions *sessions.Registry
	agent    AgentInput
	now      func() time.Time
}

// NewRouter creates a router over the daemon's session registry.
func NewRouter(reg *sessions.Registry, agent AgentInput) *Router {
	return &Router{
		sessions: reg,
		agent:    agent,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Route validates a and hands it to the agent. A session the daemon does not
// know is ErrSessionNotFound, so the device can tell the user the reply was
// not sent.
func (r *Router) Route(ctx context.Context, a models.Action) (*models.ActionAck, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if _, ok := r.sessions.Get(a.SessionID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, a.SessionID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch a.Kind {
	case models.ActionQuickReply:
		var p models.QuickReplyPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidAction, err)
		}
		if err := r.agent.Send(agentproto.UserMessage{SessionID: a.SessionID, Text: p.Text}); err != nil {
			return nil, fmt.Errorf("deliver quick reply: %w", err)
		}

	case models.ActionView:
		var p models.ViewPayload
		if len(a.Payload) > 0 {
			_ = json.Unmarshal(a.Payload, &p)
		}
		// the ack only means the session is live
		if err := r.agent.Send(agentproto.View{SessionID: a.SessionID, ThreadID: p.ThreadID}); err != nil {
			log.Debug().Err(err).Str("session", a.SessionID).Msg("Agent did not take view notice")
		}
	}

	r.sessions.Touch(a.SessionID)
	log.Debug().Str("session", a.SessionID).Str("kind", string(a.Kind)).Msg("Action delivered")

	return &models.ActionAck{
		Delivered:   true,
		SessionID:   a.SessionID,
		DeliveredAt: r.now(),
	}, nil
}
