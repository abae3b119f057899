package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"recurring-payments/internal/domain"
	"recurring-payments/internal/domain/model"
	"recurring-payments/internal/infra/metrics"
	"recurring-payments/internal/usecase"
)

// ===== Request/response shapes =====

type refundRequest struct {
	TokenPrice  uint64 `json:"token_price"`
	ComputeCost uint64 `json:"compute_cost"`
}

func (r refundRequest) quote() model.RefundQuote {
	return model.RefundQuote{TokenPrice: r.TokenPrice, ComputeCost: r.ComputeCost}
}

type paymentRequest struct {
	ID              string        `json:"id"`
	Asset           string        `json:"asset"`
	PayerAccount    string        `json:"payer_account"`
	MerchantAccount string        `json:"merchant_account"`
	PartnerAccount  string        `json:"partner_account"`
	Amount          uint64        `json:"amount"`
	FeeBps          uint16        `json:"fee_bps"`
	PartnerFeeBps   uint16        `json:"partner_fee_bps"`
	Refund          refundRequest `json:"refund"`
}

type createSubscriptionRequest struct {
	ID                string        `json:"id"`
	Subscriber        string        `json:"subscriber"`
	Asset             string        `json:"asset"`
	SubscriberAccount string        `json:"subscriber_account"`
	MerchantAccount   string        `json:"merchant_account"`
	PartnerAccount    string        `json:"partner_account"`
	Amount            uint64        `json:"amount"`
	MaxAmount         uint64        `json:"max_amount"`
	Allowance         uint64        `json:"allowance"`
	Frequency         uint32        `json:"frequency"`
	PayAsYouGo        bool          `json:"pay_as_you_go"`
	Refund            refundRequest `json:"refund"`
}

type executeSubscriptionRequest struct {
	Amount            uint64        `json:"amount"`
	FeeBps            uint16        `json:"fee_bps"`
	PartnerFeeBps     uint16        `json:"partner_fee_bps"`
	Frequency         uint32        `json:"frequency"`
	SubscriberAccount string        `json:"subscriber_account"`
	MerchantAccount   string        `json:"merchant_account"`
	PartnerAccount    string        `json:"partner_account"`
	Refund            refundRequest `json:"refund"`
}

type increaseAllowanceRequest struct {
	Subscriber        string        `json:"subscriber"`
	SubscriberAccount string        `json:"subscriber_account"`
	NewAllowance      uint64        `json:"new_allowance"`
	Refund            refundRequest `json:"refund"`
}

type updateMaxAmountRequest struct {
	Subscriber        string        `json:"subscriber"`
	SubscriberAccount string        `json:"subscriber_account"`
	NewMaxAmount      uint64        `json:"new_max_amount"`
	Refund            refundRequest `json:"refund"`
}

type subscriptionReceiptResponse struct {
	ID                 string `json:"id"`
	NextPaymentDue     int64  `json:"next_payment_due"`
	RemainingAllowance uint64 `json:"remaining_allowance"`
}

// ===== Error mapping and JSON helpers =====

// statusFor maps domain sentinels to HTTP statuses. Validation failures are
// 400, state conflicts 409, accounting failures 422.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrZeroAmount),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidFrequency),
		errors.Is(err, domain.ErrInvalidFeeRate),
		errors.Is(err, domain.ErrMaxAmountInvalid),
		errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPaymentNotDueYet),
		errors.Is(err, domain.ErrCannotCancelActiveSubscription),
		errors.Is(err, domain.ErrSubscriptionLocked):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientAllowance),
		errors.Is(err, domain.ErrMaxAmountExceeded),
		errors.Is(err, domain.ErrArithmeticOverflow),
		errors.Is(err, domain.ErrInvalidSubscriptionParameters),
		errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// ===== Payments =====

func (s *Server) handleNativePayment(w http.ResponseWriter, r *http.Request) {
	s.handlePayment(w, r, "native", s.payments.ProcessNativePayment)
}

func (s *Server) defaultAsset(kind, asset string) string {
	if asset == "" && kind == "native" {
		return s.nativeAsset
	}
	return asset
}

func (s *Server) handleTokenPayment(w http.ResponseWriter, r *http.Request) {
	s.handlePayment(w, r, "token", s.payments.ProcessTokenPayment)
}

func (s *Server) handlePayment(
	w http.ResponseWriter,
	r *http.Request,
	kind string,
	process func(ctx context.Context, p usecase.OneTimePaymentParams) error,
) {
	var req paymentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Asset = s.defaultAsset(kind, req.Asset)

	err := process(r.Context(), usecase.OneTimePaymentParams{
		ID:              req.ID,
		Asset:           req.Asset,
		PayerAccount:    req.PayerAccount,
		MerchantAccount: req.MerchantAccount,
		PartnerAccount:  req.PartnerAccount,
		Amount:          req.Amount,
		FeeBps:          req.FeeBps,
		PartnerFeeBps:   req.PartnerFeeBps,
		Refund:          req.Refund.quote(),
	})
	if err != nil {
		metrics.IncPayment(kind, "error")
		writeError(w, err)
		return
	}

	metrics.IncPayment(kind, "ok")
	metrics.AddPaymentVolume(req.Asset, req.Amount)
	writeJSON(w, http.StatusOK, map[string]string{"id": req.ID, "status": "settled"})
}

// ===== Subscriptions =====

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	receipt, err := s.subscriptions.Create(r.Context(), usecase.CreateSubscriptionParams{
		ID:                req.ID,
		Subscriber:        req.Subscriber,
		Asset:             req.Asset,
		SubscriberAccount: req.SubscriberAccount,
		MerchantAccount:   req.MerchantAccount,
		PartnerAccount:    req.PartnerAccount,
		Amount:            req.Amount,
		MaxAmount:         req.MaxAmount,
		Allowance:         req.Allowance,
		Frequency:         req.Frequency,
		PayAsYouGo:        req.PayAsYouGo,
		Refund:            req.Refund.quote(),
	})
	if err != nil {
		metrics.IncSubscriptionOp("create", "error")
		writeError(w, err)
		return
	}

	metrics.IncSubscriptionOp("create", "ok")
	metrics.AddPaymentVolume(req.Asset, req.Amount)
	writeJSON(w, http.StatusCreated, subscriptionReceiptResponse{
		ID:                 req.ID,
		NextPaymentDue:     receipt.NextPaymentDue,
		RemainingAllowance: receipt.RemainingAllowance,
	})
}

func (s *Server) handleExecuteSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req executeSubscriptionRequest
	if !decode(w, r, &req) {
		return
	}

	receipt, err := s.subscriptions.Execute(r.Context(), usecase.ExecuteSubscriptionParams{
		ID:                id,
		Amount:            req.Amount,
		FeeBps:            req.FeeBps,
		PartnerFeeBps:     req.PartnerFeeBps,
		Frequency:         req.Frequency,
		SubscriberAccount: req.SubscriberAccount,
		MerchantAccount:   req.MerchantAccount,
		PartnerAccount:    req.PartnerAccount,
		Refund:            req.Refund.quote(),
	})
	if err != nil {
		metrics.IncSubscriptionOp("execute", "error")
		writeError(w, err)
		return
	}

	metrics.IncSubscriptionOp("execute", "ok")
	writeJSON(w, http.StatusOK, subscriptionReceiptResponse{
		ID:                 id,
		NextPaymentDue:     receipt.NextPaymentDue,
		RemainingAllowance: receipt.RemainingAllowance,
	})
}

func (s *Server) handleIncreaseAllowance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req increaseAllowanceRequest
	if !decode(w, r, &req) {
		return
	}

	err := s.subscriptions.IncreaseAllowance(r.Context(), usecase.IncreaseAllowanceParams{
		ID:                id,
		Subscriber:        req.Subscriber,
		SubscriberAccount: req.SubscriberAccount,
		NewAllowance:      req.NewAllowance,
		Refund:            req.Refund.quote(),
	})
	if err != nil {
		metrics.IncSubscriptionOp("increase_allowance", "error")
		writeError(w, err)
		return
	}

	metrics.IncSubscriptionOp("increase_allowance", "ok")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateMaxAmount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateMaxAmountRequest
	if !decode(w, r, &req) {
		return
	}

	err := s.subscriptions.UpdateMaxAmount(r.Context(), usecase.UpdateMaxAmountParams{
		ID:                id,
		Subscriber:        req.Subscriber,
		SubscriberAccount: req.SubscriberAccount,
		NewMaxAmount:      req.NewMaxAmount,
		Refund:            req.Refund.quote(),
	})
	if err != nil {
		metrics.IncSubscriptionOp("update_max_amount", "error")
		writeError(w, err)
		return
	}

	metrics.IncSubscriptionOp("update_max_amount", "ok")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	subscriber := strings.TrimSpace(r.URL.Query().Get("subscriber"))
	if subscriber == "" {
		http.Error(w, "subscriber query parameter is required", http.StatusBadRequest)
		return
	}

	if err := s.subscriptions.Cancel(r.Context(), id, subscriber); err != nil {
		metrics.IncSubscriptionOp("cancel", "error")
		writeError(w, err)
		return
	}

	metrics.IncSubscriptionOp("cancel", "ok")
	w.WriteHeader(http.StatusNoContent)
}

// ===== Auto billing =====

type autoBillingRequest struct {
	Subscriber        string `json:"subscriber"`
	Amount            uint64 `json:"amount"`
	FeeBps            uint16 `json:"fee_bps"`
	PartnerFeeBps     uint16 `json:"partner_fee_bps"`
	Frequency         uint32 `json:"frequency"`
	SubscriberAccount string `json:"subscriber_account"`
	MerchantAccount   string `json:"merchant_account"`
	PartnerAccount    string `json:"partner_account"`
}

func (s *Server) handleScheduleAutoBilling(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req autoBillingRequest
	if !decode(w, r, &req) {
		return
	}

	err := s.billing.ScheduleAutoBilling(r.Context(), usecase.AutoBillingParams{
		ID:                id,
		Subscriber:        req.Subscriber,
		Amount:            req.Amount,
		FeeBps:            req.FeeBps,
		PartnerFeeBps:     req.PartnerFeeBps,
		Frequency:         req.Frequency,
		SubscriberAccount: req.SubscriberAccount,
		MerchantAccount:   req.MerchantAccount,
		PartnerAccount:    req.PartnerAccount,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelAutoBilling(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	subscriber := strings.TrimSpace(r.URL.Query().Get("subscriber"))
	if subscriber == "" {
		http.Error(w, "subscriber query parameter is required", http.StatusBadRequest)
		return
	}
	if err := s.billing.CancelAutoBilling(r.Context(), id, subscriber); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ===== Operator endpoints =====

type operatorLoginRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleOperatorLogin(w http.ResponseWriter, r *http.Request) {
	var req operatorLoginRequest
	if !decode(w, r, &req) {
		return
	}
	if s.operatorToken == "" ||
		subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.operatorToken)) != 1 {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	token, err := s.auth.Mint(w)
	if err != nil {
		s.log.Error().Err(err).Msg("mint session token")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleOperatorLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

type initializeAuthorityRequest struct {
	Owner    string `json:"owner"`
	CoSigner string `json:"co_signer"`
}

func (s *Server) handleInitializeAuthority(w http.ResponseWriter, r *http.Request) {
	var req initializeAuthorityRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.authority.Initialize(r.Context(), req.Owner, req.CoSigner); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type updateOwnerRequest struct {
	Signer   string `json:"signer"`
	CoSigner string `json:"co_signer"`
	NewOwner string `json:"new_owner"`
}

func (s *Server) handleUpdateOwner(w http.ResponseWriter, r *http.Request) {
	var req updateOwnerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.authority.UpdateOwner(r.Context(), req.Signer, req.CoSigner, req.NewOwner); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setDelegateRequest struct {
	Subscriber        string `json:"subscriber"`
	Asset             string `json:"asset"`
	SubscriberAccount string `json:"subscriber_account"`
}

func (s *Server) handleSetDelegate(w http.ResponseWriter, r *http.Request) {
	var req setDelegateRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.authority.SetDelegate(r.Context(), req.Subscriber, req.Asset, req.SubscriberAccount); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type depositRequest struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decode(w, r, &req) {
		return
	}
	if s.deposits == nil {
		http.Error(w, "deposits are not enabled", http.StatusNotImplemented)
		return
	}
	if err := s.deposits.Deposit(r.Context(), req.Asset, req.Account, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleForceCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.subscriptions.ForceCancel(r.Context(), id); err != nil {
		metrics.IncSubscriptionOp("force_cancel", "error")
		writeError(w, err)
		return
	}
	metrics.IncSubscriptionOp("force_cancel", "ok")
	w.WriteHeader(http.StatusNoContent)
}
