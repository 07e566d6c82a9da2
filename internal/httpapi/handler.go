package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/ai-orchestrator/internal/auth"
	"github.com/vnmchuo/ai-orchestrator/internal/billing"
	"github.com/vnmchuo/ai-orchestrator/internal/catalog"
	"github.com/vnmchuo/ai-orchestrator/internal/chat"
	"github.com/vnmchuo/ai-orchestrator/internal/orchestrate"
	"github.com/vnmchuo/ai-orchestrator/internal/routing"
	"github.com/vnmchuo/ai-orchestrator/pkg/ratelimit"
)

// CostLimits carries the per-tenant monthly thresholds fed to the router's
// cost gate.
type CostLimits struct {
	WarningUSD   float64
	HardLimitUSD float64
}

type Handler struct {
	engine  *orchestrate.Engine
	catalog *catalog.Catalog
	billing billing.Store
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	limits  CostLimits
}

func NewHandler(engine *orchestrate.Engine, cat *catalog.Catalog, billingStore billing.Store, limiter *ratelimit.Limiter, tracer trace.Tracer, limits CostLimits) *Handler {
	return &Handler{
		engine:  engine,
		catalog: cat,
		billing: billingStore,
		limiter: limiter,
		tracer:  tracer,
		limits:  limits,
	}
}

type respondRequest struct {
	ThreadID      string         `json:"thread_id"`
	Message       string         `json:"current_message"`
	History       []chat.Message `json:"chat_history"`
	Model         string         `json:"requested_model_id"`
	ReasoningMode bool           `json:"reasoning_mode"`
	// Tier is only honored for API keys that predate tier binding.
	Tier string `json:"user_tier"`
}

// HandleRespond streams a generation as server-sent events, one event per
// orchestrator event, named by its kind.
func (h *Handler) HandleRespond(w http.ResponseWriter, r *http.Request) {
	tenantID, requestID, req, err := h.prepare(w, r)
	if err != nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	start := time.Now()
	var servingModel string
	var final *orchestrate.Event

	for ev := range h.engine.Respond(r.Context(), req) {
		if ev.Kind == orchestrate.EventStreamStart || ev.Kind == orchestrate.EventFallback {
			servingModel = ev.ModelID
		}
		if ev.Kind == orchestrate.EventStreamEnd {
			final = &ev
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			log.Printf("[HTTP] marshal event: %v", err)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
		flusher.Flush()
	}

	h.logUsage(tenantID, requestID, req.ThreadID, servingModel, final, time.Since(start))
}

// HandleRespondSync runs the same pipeline but buffers the stream and
// returns a single JSON document. Convenience surface for non-streaming
// clients; the engine itself always streams.
func (h *Handler) HandleRespondSync(w http.ResponseWriter, r *http.Request) {
	tenantID, requestID, req, err := h.prepare(w, r)
	if err != nil {
		return
	}

	start := time.Now()
	var servingModel string
	var final *orchestrate.Event

	for ev := range h.engine.Respond(r.Context(), req) {
		if ev.Kind == orchestrate.EventStreamStart || ev.Kind == orchestrate.EventFallback {
			servingModel = ev.ModelID
		}
		if ev.Kind == orchestrate.EventStreamEnd {
			final = &ev
		}
	}

	h.logUsage(tenantID, requestID, req.ThreadID, servingModel, final, time.Since(start))

	w.Header().Set("Content-Type", "application/json")
	if final == nil {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": "generation aborted"})
		return
	}
	if final.Error {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": final.Message})
		return
	}

	resp := map[string]interface{}{
		"thread_id": req.ThreadID,
		"model":     servingModel,
		"text":      final.Text,
		"truncated": final.Truncated,
	}
	if final.Reasoning != "" {
		resp["reasoning"] = final.Reasoning
	}
	if final.Usage != nil {
		resp["usage"] = map[string]int{
			"prompt_tokens":     final.Usage.PromptTokens,
			"completion_tokens": final.Usage.CompletionTokens,
		}
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (string, string, *orchestrate.Request, error) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
		return "", "", nil, fmt.Errorf("unauthorized")
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var body respondRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid request body"})
		return "", "", nil, err
	}
	if body.Message == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "current_message is required"})
		return "", "", nil, fmt.Errorf("current_message is required")
	}
	if body.ThreadID == "" {
		body.ThreadID = uuid.New().String()
	}

	tier := auth.GetTier(ctx)
	if tier == "" {
		tier = catalog.Tier(body.Tier)
	}
	if tier != catalog.TierBasic && tier != catalog.TierPremium {
		tier = catalog.TierFree
	}

	_, span := h.tracer.Start(ctx, "respond")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
		attribute.String("thread_id", body.ThreadID),
		attribute.String("tier", string(tier)),
		attribute.Bool("reasoning_mode", body.ReasoningMode),
	)

	// The limiter meters estimated tokens, not requests; a rough prompt
	// estimate is enough here.
	estimatedTokens := len(body.Message)/4 + 1000
	allowed, err := h.limiter.Allow(ctx, tenantID, estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "60s")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return "", "", nil, fmt.Errorf("rate limit exceeded")
	}

	req := &orchestrate.Request{
		ThreadID:         body.ThreadID,
		TenantID:         tenantID,
		RequestID:        requestID,
		CurrentMessage:   body.Message,
		ChatHistory:      body.History,
		RequestedModelID: body.Model,
		ReasoningMode:    body.ReasoningMode,
		Tier:             tier,
	}

	// The cost gate only matters for explicit premium choices; skip the
	// spend query otherwise. A failed query degrades to no gate rather
	// than failing the request.
	if tier == catalog.TierPremium && body.Model != "" && body.Model != routing.AutoModelID {
		spend, err := h.billing.GetMonthlySpend(ctx, tenantID)
		if err != nil {
			log.Printf("[HTTP] monthly spend lookup failed for tenant %s: %v", tenantID, err)
		} else {
			req.CostControl = &routing.CostControl{
				MonthlySpendUSD:     spend,
				WarningThresholdUSD: h.limits.WarningUSD,
				HardLimitUSD:        h.limits.HardLimitUSD,
			}
		}
	}

	return tenantID, requestID, req, nil
}

// logUsage records a finished (or failed) generation asynchronously. The
// response already left the building; billing must never delay it.
func (h *Handler) logUsage(tenantID, requestID, threadID, model string, final *orchestrate.Event, elapsed time.Duration) {
	if final == nil || final.Error {
		return
	}

	var inputTokens, outputTokens int
	if final.Usage != nil {
		inputTokens = final.Usage.PromptTokens
		outputTokens = final.Usage.CompletionTokens
	}

	provider := ""
	if desc, err := h.catalog.Describe(model); err == nil {
		provider = desc.Provider
	}

	go func() {
		_ = h.billing.LogUsage(context.Background(), &billing.UsageLog{
			TenantID:     tenantID,
			RequestID:    requestID,
			ThreadID:     threadID,
			Provider:     provider,
			Model:        model,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			CostUSD:      h.catalog.CostUSD(model, inputTokens, outputTokens),
			LatencyMs:    elapsed.Milliseconds(),
		})
	}()
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
		return
	}

	now := time.Now()
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")

	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}

	if toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	logs, err := h.billing.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	totalCost, err := h.billing.GetTotalCostByTenant(ctx, tenantID, from, to)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	monthToDate, err := h.billing.GetMonthlySpend(ctx, tenantID)
	if err != nil {
		log.Printf("[HTTP] monthly spend lookup failed for tenant %s: %v", tenantID, err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"tenant_id":         tenantID,
		"total_requests":    len(logs),
		"total_cost_usd":    totalCost,
		"month_to_date_usd": monthToDate,
		"logs":              logs,
		"from":              from,
		"to":                to,
	})
}

// HandleModels lists the models the caller's tier may use.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
		return
	}

	tier := auth.GetTier(ctx)
	if tier == "" {
		tier = catalog.TierFree
	}
	policy := h.catalog.PolicyFor(tier)

	type modelEntry struct {
		ID               string `json:"id"`
		Provider         string `json:"provider"`
		CostTier         string `json:"cost_tier"`
		ReasoningCapable bool   `json:"reasoning_capable"`
	}
	models := make([]modelEntry, 0)
	for _, d := range h.catalog.ModelsForTier(tier) {
		models = append(models, modelEntry{
			ID:               d.ID,
			Provider:         d.Provider,
			CostTier:         string(d.CostTier),
			ReasoningCapable: d.ReasoningCapable,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"tier":                  string(tier),
		"user_may_select_model": policy.UserMaySelectModel,
		"models":                models,
	})
}
