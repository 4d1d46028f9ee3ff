// Package dispatch routes inbound WhatsApp messages to the AI backend and
// delivers the replies. It sits between the session supervisor's event
// stream and the per-agent scheduler, so a flood from one chat can never
// starve the rest of the process.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nusatech/whatsapp-agent-gateway/internal/aiproxy"
	"github.com/nusatech/whatsapp-agent-gateway/internal/jid"
	"github.com/nusatech/whatsapp-agent-gateway/internal/logger"
	"github.com/nusatech/whatsapp-agent-gateway/internal/metrics"
	"github.com/nusatech/whatsapp-agent-gateway/internal/scheduler"
	"github.com/nusatech/whatsapp-agent-gateway/internal/storage/pg"
	"github.com/nusatech/whatsapp-agent-gateway/internal/waclient"
)

// maxAgentSteps caps the AI agent's tool-use loop per inbound message.
const maxAgentSteps = 5

// Dispatcher is the inbound pipeline: filter, group gating, rate-limited
// AI call, reply delivery, developer fallback.
type Dispatcher struct {
	runner       *aiproxy.Runner
	limiter      *scheduler.Limiter
	metrics      *metrics.Metrics
	developerJID string
	log          *logger.Logger
}

// New builds the dispatcher. developerJID may be any accepted phone form;
// it is normalised once here. Empty disables failure notifications.
func New(runner *aiproxy.Runner, limiter *scheduler.Limiter, m *metrics.Metrics, developerJID string, log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		runner:  runner,
		limiter: limiter,
		metrics: m,
		log:     log.WithComponent("dispatch"),
	}
	if developerJID != "" {
		normalised, err := jid.Normalize(developerJID)
		if err != nil {
			d.log.Warn("invalid developer JID, failure notifications disabled", "value", developerJID, "error", err)
		} else {
			d.developerJID = normalised
		}
	}
	return d
}

// HandleMessage consumes one inbound message. Filtering happens inline;
// the AI round trip runs later inside the agent's queue. Enqueueing here,
// on the event goroutine, keeps per-chat ordering intact.
func (d *Dispatcher) HandleMessage(rec *pg.AgentRecord, client waclient.Client, msg *waclient.Message) {
	if msg.FromMe || msg.IsStatus || msg.IsChannel || msg.Type != "chat" {
		return
	}
	if jid.IsGroup(msg.From) && !addressesBot(client.OwnDigits(), msg) {
		return
	}

	d.metrics.MessagesReceived.WithLabelValues(rec.AgentID).Inc()

	payload := aiproxy.RunPayload{
		Input: msg.Body,
		Parameters: map[string]any{
			"max_steps": maxAgentSteps,
			"metadata": map[string]any{
				"whatsapp_name": msg.PushName,
				"chat_name":     msg.ChatName,
			},
		},
		SessionID: msg.From,
	}

	err := d.limiter.SubmitAsync(rec.AgentID, func(ctx context.Context) error {
		d.process(ctx, rec, client, msg, payload)
		return nil
	})
	if err != nil {
		d.log.Warn("inbound message dropped",
			"agent_id", rec.AgentID, "from", msg.From, "error", err)
	}
}

// process is the queued half: typing indicator on, AI call, typing off,
// reply or developer notification.
func (d *Dispatcher) process(ctx context.Context, rec *pg.AgentRecord, client waclient.Client, msg *waclient.Message, payload aiproxy.RunPayload) {
	traceID := logger.GenerateTraceID()

	if err := client.SendTyping(ctx, msg.From, true); err != nil {
		d.log.Debug("failed to set typing state", "agent_id", rec.AgentID, "error", err)
	}

	result, runErr := d.runner.ExecuteRun(ctx, rec, payload, traceID)

	if err := client.SendTyping(ctx, msg.From, false); err != nil {
		d.log.Debug("failed to clear typing state", "agent_id", rec.AgentID, "error", err)
	}

	if runErr != nil {
		d.log.Error("AI run failed for inbound message",
			"agent_id", rec.AgentID, "from", msg.From, "trace_id", traceID, "error", runErr)
		d.notifyDeveloper(rec, client, msg, runErr, traceID)
		return
	}

	if result.Reply == nil {
		d.log.Info("AI produced no reply",
			"agent_id", rec.AgentID, "from", msg.From, "trace_id", traceID)
		return
	}

	if _, err := client.SendText(ctx, msg.From, *result.Reply, ""); err != nil {
		d.log.Error("failed to deliver AI reply",
			"agent_id", rec.AgentID, "from", msg.From, "trace_id", traceID, "error", err)
		return
	}
	d.metrics.MessagesSent.WithLabelValues(rec.AgentID).Inc()
}

// notifyDeveloper reports an AI failure to the configured developer chat.
// The notification rides the same agent queue as ordinary sends. The user
// never sees the failure.
func (d *Dispatcher) notifyDeveloper(rec *pg.AgentRecord, client waclient.Client, msg *waclient.Message, runErr error, traceID string) {
	if d.developerJID == "" {
		return
	}

	text := fmt.Sprintf(
		"⚠️ AI run failed\nagent_id: %s\nfrom: %s\nreason: %v\ntrace_id: %s\nbody: %s\ntimestamp: %s",
		rec.AgentID, msg.From, runErr, traceID, msg.Body, time.Now().Format(time.RFC3339),
	)

	err := d.limiter.SubmitAsync(rec.AgentID, func(ctx context.Context) error {
		if _, sendErr := client.SendText(ctx, d.developerJID, text, ""); sendErr != nil {
			d.log.Error("failed to deliver developer notification",
				"agent_id", rec.AgentID, "trace_id", traceID, "error", sendErr)
		}
		return nil
	})
	if err != nil {
		d.log.Warn("developer notification dropped",
			"agent_id", rec.AgentID, "trace_id", traceID, "error", err)
	}
}

// addressesBot reports whether a group message is meant for us: either the
// bot is mentioned or its number is spelled out in the text.
func addressesBot(ownDigits string, msg *waclient.Message) bool {
	if ownDigits == "" {
		return false
	}
	for _, mention := range msg.MentionedJIDs {
		if jid.Digits(mention) == ownDigits {
			return true
		}
	}
	return strings.Contains(jid.Digits(msg.Body), ownDigits)
}
