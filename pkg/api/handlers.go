package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/httputil"
	"github.com/platinummonkey/tokenmeter/pkg/ledger"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/webhooks"
)

type webhookResponse struct {
	Received bool `json:"received"`
	webhooks.Result
}

// handleWebhook ingests one provider delivery. Anything that verifies and
// parses is acknowledged with a 200, relevant or not.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider, ok := httputil.ParsePathStringOrError(w, r, "provider")
	if !ok {
		return
	}

	payload, err := httputil.ReadBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.webhooks.Handle(r.Context(), provider, payload, r.Header)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, webhookResponse{Received: true, Result: result})
}

func (s *Server) getEntitlement(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "userId")
	if !ok {
		return
	}
	ent, err := s.entitlements.Entitlement(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, ent)
}

func (s *Server) cancelEntitlement(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "userId")
	if !ok {
		return
	}
	ctx := observability.WithUserID(r.Context(), userID)
	result, err := s.entitlements.Cancel(ctx, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, result)
}

func (s *Server) reactivateEntitlement(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "userId")
	if !ok {
		return
	}
	ctx := observability.WithUserID(r.Context(), userID)
	result, err := s.entitlements.Reactivate(ctx, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, result)
}

type consumeRequest struct {
	UserID           string `json:"userId" validate:"required,max=256"`
	Amount           int64  `json:"amount" validate:"gte=0"`
	MessageID        string `json:"messageId" validate:"max=256"`
	SessionID        string `json:"sessionId" validate:"max=256"`
	Model            string `json:"model" validate:"max=128"`
	PromptTokens     int64  `json:"promptTokens" validate:"gte=0"`
	CompletionTokens int64  `json:"completionTokens" validate:"gte=0"`
}

type consumeResponse struct {
	Allowed   bool   `json:"allowed"`
	Remaining int64  `json:"remaining"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Duplicate bool   `json:"duplicate"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// consumeUsage is called before the AI request. A decline is a 403 that
// still reports what is left.
func (s *Server) consumeUsage(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if !httputil.ParseAndValidate(w, r, &req) {
		return
	}

	ctx := observability.WithUserID(r.Context(), req.UserID)
	decision, err := s.gate.CheckAndConsume(ctx, ledger.ConsumeRequest{
		UserID:           req.UserID,
		Amount:           req.Amount,
		MessageID:        req.MessageID,
		SessionID:        req.SessionID,
		Model:            req.Model,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
	})

	var quotaErr *billing.QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		_ = httputil.WriteJSON(w, http.StatusForbidden, consumeResponse{
			Allowed:   false,
			Remaining: quotaErr.Remaining(),
			Used:      quotaErr.Used,
			Limit:     quotaErr.Limit,
			Error:     "quota exceeded",
		})
	case err != nil:
		s.writeError(w, r, err)
	default:
		resp := consumeResponse{
			Allowed:   true,
			Remaining: decision.Remaining,
			Used:      decision.Used,
			Limit:     decision.Limit,
			Duplicate: decision.Duplicate,
		}
		if decision.Entry != nil {
			resp.MessageID = decision.Entry.MessageID
		}
		_ = httputil.WriteSuccess(w, resp)
	}
}

func (s *Server) getUsageStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "userId")
	if !ok {
		return
	}
	stats, err := s.gate.GetUsageStats(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, stats)
}

func (s *Server) listUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "userId")
	if !ok {
		return
	}
	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", 0)
	if !ok {
		return
	}
	entries, err := s.gate.ListUsage(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*billing.UsageEntry{}
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"userId": userID, "entries": entries})
}

type resetRequest struct {
	PeriodStart *time.Time `json:"periodStart"`
	PeriodEnd   *time.Time `json:"periodEnd" validate:"required_with=PeriodStart"`
}

// resetUsage starts a new usage period by hand. Without a body the period
// is one month from now.
func (s *Server) resetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "userId")
	if !ok {
		return
	}

	var req resetRequest
	if r.ContentLength != 0 {
		if !httputil.ParseAndValidate(w, r, &req) {
			return
		}
	}

	start, end := ledger.MonthlyPeriod(s.now())
	if req.PeriodStart != nil {
		start = req.PeriodStart.UTC()
	}
	if req.PeriodEnd != nil {
		end = req.PeriodEnd.UTC()
	}
	if !end.After(start) {
		httputil.WriteBadRequest(w, "periodEnd must be after periodStart")
		return
	}

	ctx := observability.WithUserID(r.Context(), userID)
	sub, err := s.gate.ResetForNewPeriod(ctx, userID, start, end)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, sub)
}

func (s *Server) listPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "userId")
	if !ok {
		return
	}
	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", 0)
	if !ok {
		return
	}
	payments, err := s.payments.History(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"userId": userID, "payments": payments})
}

// writeError maps engine errors onto status codes. Anything unrecognized is
// a storage failure and becomes a 500 without leaking the cause.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrAuthenticationFailed):
		httputil.WriteBadRequest(w, "invalid webhook signature")
	case errors.Is(err, webhooks.ErrMalformedPayload):
		httputil.WriteBadRequest(w, "malformed webhook payload")
	case errors.Is(err, webhooks.ErrUnknownProvider):
		httputil.WriteNotFound(w, "unknown webhook provider")
	case errors.Is(err, httputil.ErrBodyTooLarge):
		httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		httputil.WriteNotFound(w, err.Error())
	case errors.Is(err, billing.ErrInvalidAmount):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, billing.ErrMessageIDConflict):
		httputil.WriteErrorMessage(w, http.StatusConflict, err.Error())
	case billing.IsQuotaExceeded(err):
		httputil.WriteErrorMessage(w, http.StatusForbidden, "quota exceeded")
	default:
		observability.FromContext(r.Context()).WithError(err).
			WithField("path", r.URL.Path).
			Error("Request failed")
		httputil.WriteInternalError(w)
	}
}
