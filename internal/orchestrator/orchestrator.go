// Package orchestrator runs the conversation turn: screen the input, drive
// the model's tool-calling loop under the session guard, route writes
// through the trust engine, and persist the exchange as one checkpoint.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harborline/concierge/internal/bus"
	"github.com/harborline/concierge/internal/config"
	"github.com/harborline/concierge/internal/guard"
	"github.com/harborline/concierge/internal/llm"
	"github.com/harborline/concierge/internal/persistence"
	"github.com/harborline/concierge/internal/safety"
	"github.com/harborline/concierge/internal/shared"
	"github.com/harborline/concierge/internal/tokenutil"
	"github.com/harborline/concierge/internal/tools"
	"github.com/harborline/concierge/internal/trust"
)

// Canned replies for guarded situations. Stable text, no internals.
const (
	msgInjectionBlocked = "I can't help with that request. If you have a question about bookings or our offerings, I'm happy to help."
	msgBreakerOpen      = "I've run into repeated problems in this conversation, so I've paused tool access. Please start a new conversation or contact the team directly."
	msgSessionBudget    = "This conversation has reached its limit. Please start a new one to continue."
	msgDepthReached     = "I've done as much as I can in one step. Here's where things stand so far."
)

// ChatRequest is one inbound message, already authenticated to a tenant.
type ChatRequest struct {
	TenantID   string `json:"tenant_id"`
	CustomerID string `json:"customer_id,omitempty"`
	Channel    string `json:"channel"`
	Message    string `json:"message"`
}

// PendingAction surfaces a proposal awaiting confirmation.
type PendingAction struct {
	ProposalID string    `json:"proposal_id"`
	Operation  string    `json:"operation"`
	Tier       string    `json:"tier"`
	Preview    string    `json:"preview"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ChatResponse is the assistant's turn result.
type ChatResponse struct {
	SessionID string          `json:"session_id"`
	Reply     string          `json:"reply"`
	Pending   []PendingAction `json:"pending,omitempty"`
	Blocked   bool            `json:"blocked,omitempty"`
}

// Auditor records security-relevant decisions made during a turn.
type Auditor interface {
	Record(ctx context.Context, tenantID, subject, action, decision, reason string)
}

// storeAuditor writes straight to the audit_log table.
type storeAuditor struct {
	store *persistence.Store
}

func (a storeAuditor) Record(ctx context.Context, tenantID, subject, action, decision, reason string) {
	_ = a.store.AppendAudit(ctx, shared.TraceID(ctx), tenantID, subject, action, decision, reason)
}

// Orchestrator wires the turn pipeline together. All fields are set at
// construction; Persona is the only hot-reloadable piece.
type Orchestrator struct {
	store    *persistence.Store
	tools    *tools.Registry
	trust    *trust.Engine
	guards   *guard.Registry
	screener *safety.Screener
	leaks    *safety.LeakDetector
	provider llm.Provider
	bus      *bus.Bus
	auditor  Auditor
	logger   *slog.Logger

	cfg Settings

	personaMu sync.RWMutex
	persona   string
}

// Settings is the subset of configuration the orchestrator needs per turn.
type Settings struct {
	HistoryLimitInternal int
	HistoryLimitPublic   int
	TTLInternal          time.Duration
	TTLPublic            time.Duration
	MaxToolDepth         int

	// ToolResultMaxChars truncates tool output fed back into context.
	ToolResultMaxChars int
}

func (s *Settings) normalize() {
	if s.HistoryLimitInternal <= 0 {
		s.HistoryLimitInternal = 60
	}
	if s.HistoryLimitPublic <= 0 {
		s.HistoryLimitPublic = 24
	}
	if s.TTLInternal <= 0 {
		s.TTLInternal = 4 * time.Hour
	}
	if s.TTLPublic <= 0 {
		s.TTLPublic = 30 * time.Minute
	}
	if s.MaxToolDepth <= 0 {
		s.MaxToolDepth = 3
	}
	if s.ToolResultMaxChars <= 0 {
		s.ToolResultMaxChars = 4000
	}
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		HistoryLimitInternal: cfg.Sessions.HistoryLimitInternal,
		HistoryLimitPublic:   cfg.Sessions.HistoryLimitPublic,
		TTLInternal:          cfg.SessionTTL("internal"),
		TTLPublic:            cfg.SessionTTL("public"),
		MaxToolDepth:         cfg.Guard.MaxToolDepth,
	}
}

func New(store *persistence.Store, toolReg *tools.Registry, trustEngine *trust.Engine,
	guards *guard.Registry, provider llm.Provider, eventBus *bus.Bus,
	settings Settings, persona string, logger *slog.Logger) *Orchestrator {

	settings.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		tools:    toolReg,
		trust:    trustEngine,
		guards:   guards,
		screener: safety.NewScreener(),
		leaks:    safety.NewLeakDetector(),
		provider: provider,
		bus:      eventBus,
		auditor:  storeAuditor{store: store},
		logger:   logger,
		cfg:      settings,
		persona:  persona,
	}
}

// SetAuditor swaps the audit sink, e.g. for the JSONL-mirroring logger.
func (o *Orchestrator) SetAuditor(a Auditor) {
	if a != nil {
		o.auditor = a
	}
}

// SetPersona swaps the system prompt base. Called by the config watcher on
// PERSONA.md edits; in-flight turns keep the prompt they started with.
func (o *Orchestrator) SetPersona(persona string) {
	o.personaMu.Lock()
	o.persona = persona
	o.personaMu.Unlock()
	o.logger.Info("persona updated", "bytes", len(persona))
}

func (o *Orchestrator) currentPersona() string {
	o.personaMu.RLock()
	defer o.personaMu.RUnlock()
	return o.persona
}

// WatchPersona applies persona reload events until ctx is done.
func (o *Orchestrator) WatchPersona(ctx context.Context, events <-chan config.ReloadEvent, load func() (string, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Path, "PERSONA.md") {
				continue
			}
			persona, err := load()
			if err != nil {
				o.logger.Warn("persona reload failed", "error", err)
				continue
			}
			o.SetPersona(persona)
		}
	}
}

func (o *Orchestrator) ttlFor(channel string) time.Duration {
	if channel == "public" {
		return o.cfg.TTLPublic
	}
	return o.cfg.TTLInternal
}

func (o *Orchestrator) historyLimit(channel string) int {
	if channel == "public" {
		return o.cfg.HistoryLimitPublic
	}
	return o.cfg.HistoryLimitInternal
}

// Chat runs one full turn.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	message := safety.Normalize(strings.TrimSpace(req.Message))
	if message == "" {
		return nil, fmt.Errorf("empty message")
	}
	if req.Channel == "" {
		req.Channel = shared.ChannelInternal
	}

	sess, err := o.store.EnsureLiveSession(ctx, req.TenantID, req.CustomerID, req.Channel, o.ttlFor(req.Channel))
	if err != nil {
		return nil, err
	}
	ctx = shared.WithTenantID(ctx, sess.TenantID)
	ctx = shared.WithSessionID(ctx, sess.ID)
	logger := o.logger.With("trace_id", shared.TraceID(ctx), "tenant_id", sess.TenantID, "session_id", sess.ID)

	// Screen before the model sees anything.
	if check := o.screener.Screen(message, req.Channel); check.Action == safety.ActionBlock {
		logger.Warn("input blocked", "pattern", check.Pattern, "reason", check.Reason)
		o.publish(bus.TopicInjectionBlocked, bus.InjectionBlockedEvent{
			TenantID:  sess.TenantID,
			SessionID: sess.ID,
			Pattern:   check.Pattern,
		})
		o.audit(ctx, sess.TenantID, "chat", "blocked", check.Pattern)
		o.persistTurn(ctx, sess, nil, message, msgInjectionBlocked, 0, logger)
		return &ChatResponse{SessionID: sess.ID, Reply: msgInjectionBlocked, Blocked: true}, nil
	}

	limiter := o.guards.ForSession(sess)
	if d := limiter.StartTurn(time.Now().UTC()); !d.Allowed {
		logger.Warn("turn denied", "reason", d.Reason)
		o.audit(ctx, sess.TenantID, "chat", "denied", d.Reason)
		reply := cannedForReason(d.Reason)
		o.publish(bus.TopicTurnAborted, bus.TurnEvent{
			TenantID: sess.TenantID, SessionID: sess.ID, Channel: sess.Channel,
		})
		return &ChatResponse{SessionID: sess.ID, Reply: reply, Blocked: true}, nil
	}

	o.publish(bus.TopicTurnStarted, bus.TurnEvent{
		TenantID: sess.TenantID, SessionID: sess.ID, Channel: sess.Channel,
	})

	// Soft-tier actions announced last turn proceed now unless this message
	// pushes back.
	o.settleSoftConfirms(ctx, sess, message, logger)

	resp, turnTokens, err := o.runTurn(ctx, sess, limiter, message, logger)
	if err != nil {
		class := llm.ClassifyError(err)
		logger.Error("turn failed", "error", err, "error_class", string(class))
		reply := llm.UserMessage(class)
		o.persistTurn(ctx, sess, limiter, message, reply, turnTokens, logger)
		return &ChatResponse{SessionID: sess.ID, Reply: reply}, nil
	}

	o.persistTurn(ctx, sess, limiter, message, resp.Reply, turnTokens, logger)
	o.publish(bus.TopicTurnCompleted, bus.TurnEvent{
		TenantID: sess.TenantID, SessionID: sess.ID, Channel: sess.Channel,
		Tokens: turnTokens, ToolCalls: len(resp.Pending),
	})
	resp.SessionID = sess.ID
	return resp, nil
}

// runTurn drives the provider loop. Each hop offers the tool set; tool
// requests come back here for guard checks and execution. The loop ends
// when the model answers in text or the depth guard cuts it off.
func (o *Orchestrator) runTurn(ctx context.Context, sess *persistence.Session, limiter *guard.SessionLimiter, message string, logger *slog.Logger) (*ChatResponse, int, error) {
	history, err := o.store.ListHistory(ctx, sess.ID, o.historyLimit(sess.Channel))
	if err != nil {
		logger.Warn("history load failed, continuing without", "error", err)
	}

	messages := historyToMessages(history)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: message})

	specs := o.tools.Specs()
	system := o.systemPrompt(sess)
	// The user message is counted once for the turn, not once per hop.
	turnTokens := tokenutil.EstimateTokens(message)
	limiter.AddTokens(turnTokens)
	var pending []PendingAction

	// One extra hop past the depth cap lets the model wrap up in text
	// after its last tool results.
	maxHops := o.cfg.MaxToolDepth + 1
	for hop := 0; hop <= maxHops; hop++ {
		req := llm.Request{System: system, Messages: messages}
		if specs != nil {
			req.Tools = specs
		}

		resp, err := o.provider.Generate(ctx, req)
		if err != nil {
			return nil, turnTokens, err
		}
		spent := o.countTokens(resp)
		turnTokens += spent
		limiter.AddTokens(spent)

		if len(resp.ToolCalls) == 0 {
			reply := o.scanReply(resp.Text, sess, logger)
			return &ChatResponse{Reply: reply, Pending: pending}, turnTokens, nil
		}

		assistantMsg := llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls}
		var results []llm.ToolResult
		stopTools := false

		for _, call := range resp.ToolCalls {
			result, actions, stop := o.executeToolCall(ctx, sess, limiter, call, logger)
			results = append(results, result)
			pending = append(pending, actions...)
			if stop {
				stopTools = true
			}
		}

		messages = append(messages, assistantMsg)
		messages = append(messages, llm.Message{Role: llm.RoleTool, ToolResults: results})

		if stopTools {
			// Final wrap-up hop without tools.
			specs = nil
		}
	}

	// The model kept calling tools past every allowance.
	logger.Warn("turn ended at hop limit")
	o.publish(bus.TopicTurnDepthCap, bus.TurnEvent{
		TenantID: sess.TenantID, SessionID: sess.ID, Channel: sess.Channel, Depth: maxHops,
	})
	return &ChatResponse{Reply: msgDepthReached, Pending: pending}, turnTokens, nil
}

// executeToolCall runs one requested call under the guard. The returned
// stop flag tells the loop to withdraw tools for the rest of the turn.
func (o *Orchestrator) executeToolCall(ctx context.Context, sess *persistence.Session, limiter *guard.SessionLimiter, call llm.ToolCall, logger *slog.Logger) (llm.ToolResult, []PendingAction, bool) {
	fail := func(msg string) llm.ToolResult {
		return llm.ToolResult{ID: call.ID, Name: call.Name, Content: msg, IsError: true}
	}

	tool, ok := o.tools.Get(call.Name)
	if !ok {
		limiter.RecordToolOutcome(true)
		return fail(fmt.Sprintf("unknown tool %q", call.Name)), nil, false
	}

	tier := trust.TierAuto
	if !tool.ReadOnly {
		tier = tool.Tier
	}
	if d := limiter.AllowToolCall(call.Name, tier.String(), tool.PerTurnCap, tool.PerSessionCap); !d.Allowed {
		logger.Warn("tool call denied", "tool", call.Name, "reason", d.Reason)
		o.audit(ctx, sess.TenantID, "tool:"+call.Name, "denied", d.Reason)
		stop := d.Reason == guard.ReasonToolDepth || d.Reason == guard.ReasonBreakerOpen
		return fail("tool call denied: " + d.Reason), nil, stop
	}

	if err := tool.ValidateInput(call.Input); err != nil {
		limiter.RecordToolOutcome(true)
		return fail(err.Error()), nil, false
	}

	if tool.ReadOnly {
		out, err := tool.Run(ctx, sess.TenantID, call.Input)
		limiter.RecordToolOutcome(err != nil)
		if err != nil {
			logger.Warn("tool failed", "tool", call.Name, "error", err)
			return fail("tool failed: " + trust.UserFacingMessage(err)), nil, limiter.BreakerOpen()
		}
		return llm.ToolResult{
			ID: call.ID, Name: call.Name,
			Content: safety.SanitizeForContext(out, o.cfg.ToolResultMaxChars),
		}, nil, false
	}

	// Write path: everything becomes a proposal.
	outcome, err := o.trust.Propose(ctx, sess, call.Name, tool.Preview(call.Input), call.Input)
	limiter.RecordToolOutcome(err != nil)
	if err != nil {
		logger.Warn("proposal failed", "tool", call.Name, "error", err)
		return fail("action failed: " + trust.UserFacingMessage(err)), nil, limiter.BreakerOpen()
	}

	if outcome.Executed {
		return llm.ToolResult{
			ID: call.ID, Name: call.Name,
			Content: safety.SanitizeForContext(outcome.Result, o.cfg.ToolResultMaxChars),
		}, nil, false
	}

	action := PendingAction{
		ProposalID: outcome.Proposal.ID,
		Operation:  outcome.Proposal.Operation,
		Tier:       outcome.Proposal.Tier,
		Preview:    outcome.Proposal.Preview,
		ExpiresAt:  outcome.Proposal.ExpiresAt,
	}
	content, _ := json.Marshal(map[string]any{
		"status":      "pending_confirmation",
		"proposal_id": action.ProposalID,
		"preview":     action.Preview,
	})
	return llm.ToolResult{ID: call.ID, Name: call.Name, Content: string(content)}, []PendingAction{action}, false
}

// ConfirmProposal executes a previously proposed action. The customerID is
// the confirming counterpart's identity; proposals created for a known
// counterpart only confirm when it matches.
func (o *Orchestrator) ConfirmProposal(ctx context.Context, tenantID, sessionID, proposalID, customerID string) (*ChatResponse, error) {
	outcome, err := o.trust.Confirm(ctx, tenantID, sessionID, proposalID, customerID)
	if err != nil {
		if isUserFacing(err) {
			return &ChatResponse{SessionID: sessionID, Reply: trust.UserFacingMessage(err)}, nil
		}
		return nil, err
	}
	reply := "Done. " + outcome.Proposal.Preview
	return &ChatResponse{SessionID: outcome.Proposal.SessionID, Reply: reply}, nil
}

// RejectProposal declines a pending action.
func (o *Orchestrator) RejectProposal(ctx context.Context, tenantID, sessionID, proposalID, reason string) (*ChatResponse, error) {
	p, err := o.trust.Reject(ctx, tenantID, sessionID, proposalID, reason)
	if err != nil {
		if isUserFacing(err) {
			return &ChatResponse{SessionID: sessionID, Reply: trust.UserFacingMessage(err)}, nil
		}
		return nil, err
	}
	return &ChatResponse{SessionID: p.SessionID, Reply: "Understood, I won't do that."}, nil
}

func isUserFacing(err error) bool {
	return errors.Is(err, trust.ErrNotActionable) ||
		errors.Is(err, persistence.ErrProposalNotFound) ||
		errors.Is(err, persistence.ErrDateUnavailable) ||
		errors.Is(err, persistence.ErrBookingNotFound)
}

func (o *Orchestrator) systemPrompt(sess *persistence.Session) string {
	var b strings.Builder
	persona := strings.TrimSpace(o.currentPersona())
	if persona == "" {
		persona = "You are Concierge, an assistant for a small bookings business. Be accurate and concise. Use tools for any facts about availability, offerings, or customers; never invent them."
	}
	b.WriteString(persona)
	b.WriteString("\n\nToday's date is ")
	b.WriteString(time.Now().UTC().Format("2006-01-02"))
	b.WriteString(".")
	if sess.Channel == "public" {
		b.WriteString("\nYou are talking to a customer. Do not reveal internal business data beyond what the tools return for them.")
	} else {
		b.WriteString("\nYou are talking to the business operator.")
	}
	b.WriteString("\nAny action that changes data will be shown to the user for confirmation first; present pending confirmations clearly and never claim an unconfirmed action is done.")
	return b.String()
}

func (o *Orchestrator) scanReply(reply string, sess *persistence.Session, logger *slog.Logger) string {
	if findings := o.leaks.Scan(reply); len(findings) > 0 {
		logger.Warn("leak detector triggered on reply", "findings", len(findings))
		if sess.Channel == "public" {
			return "I can't share that. Is there something else I can help with?"
		}
	}
	return reply
}

func (o *Orchestrator) countTokens(resp *llm.Response) int {
	if resp.Usage.Total() > 0 {
		return resp.Usage.Total()
	}
	return tokenutil.EstimateTokens(resp.Text)
}

// objectionRe catches the user pushing back on the previous turn's announced
// action: "no", "don't", "stop", "wait", "cancel that", "never mind".
var objectionRe = regexp.MustCompile(`(?i)\b(no|nope|don'?t|do\s+not|stop|wait|hold\s+(on|off)|cancel|not\s+yet|never\s?mind)\b`)

func isObjection(message string) bool {
	return objectionRe.MatchString(message)
}

// settleSoftConfirms advances the session's pending soft-tier proposals:
// silence confirms, an objection rejects. Hard-tier proposals only ever move
// on explicit confirmation.
func (o *Orchestrator) settleSoftConfirms(ctx context.Context, sess *persistence.Session, message string, logger *slog.Logger) {
	settled, err := o.trust.SettleSoftConfirms(ctx, sess, isObjection(message))
	if err != nil {
		logger.Warn("soft-confirm settlement failed", "error", err)
		return
	}
	for _, out := range settled {
		decision := "rejected_on_objection"
		if out.Executed {
			decision = "confirmed_by_silence"
		}
		logger.Info("soft-tier proposal settled",
			"proposal_id", out.Proposal.ID, "operation", out.Proposal.Operation, "decision", decision)
		o.audit(ctx, sess.TenantID, "proposal:"+out.Proposal.Operation, decision, out.Proposal.ID)
	}
}

// persistTurn checkpoints the exchange and the guard counters.
func (o *Orchestrator) persistTurn(ctx context.Context, sess *persistence.Session, limiter *guard.SessionLimiter, userMsg, reply string, tokens int, logger *slog.Logger) {
	if limiter != nil {
		limiter.Snapshot(sess)
	} else {
		sess.Turns++
	}
	err := o.store.AppendTurn(ctx, sess, []persistence.Message{
		{Role: "user", Content: userMsg, Tokens: tokenutil.EstimateTokens(userMsg)},
		{Role: "assistant", Content: reply, Tokens: tokens},
	})
	if err != nil {
		logger.Error("failed to persist turn", "error", err)
	}
}

func (o *Orchestrator) publish(topic string, payload any) {
	if o.bus != nil {
		o.bus.Publish(topic, payload)
	}
}

func (o *Orchestrator) audit(ctx context.Context, tenantID, action, decision, reason string) {
	o.auditor.Record(ctx, tenantID, shared.SessionID(ctx), action, decision, reason)
}

func cannedForReason(reason string) string {
	switch reason {
	case guard.ReasonBreakerOpen:
		return msgBreakerOpen
	default:
		return msgSessionBudget
	}
}

func historyToMessages(items []persistence.Message) []llm.Message {
	var msgs []llm.Message
	for _, item := range items {
		switch item.Role {
		case "user":
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: item.Content})
		case "assistant":
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: item.Content})
		}
	}
	return msgs
}
