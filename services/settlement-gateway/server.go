package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	bookcrypto "bookpay/crypto"
	"bookpay/gateway/auth"
	"bookpay/gateway/middleware"
	"bookpay/native/fees"
	"bookpay/native/points"
	"bookpay/native/settlement"
	"bookpay/observability/metrics"
)

// Server is the HTTP front-end for settlement planning, authorization
// signing, points queries, and funding completions.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	store   *Store
	signer  *settlement.Signer
	fees    fees.Schedule
	auths   *AuthorizationStore
	authn   *auth.Authenticator
	metrics *metrics.Settlement
	obs     *middleware.Observability
	limiter *middleware.RateLimiter
	nowFn   func() time.Time
}

// NewServer wires the gateway's handlers around the supplied collaborators.
func NewServer(cfg Config, logger *slog.Logger, store *Store, signer *settlement.Signer, schedule fees.Schedule, auths *AuthorizationStore, authn *auth.Authenticator, obs *middleware.Observability, limiter *middleware.RateLimiter, m *metrics.Settlement) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		signer:  signer,
		fees:    schedule,
		auths:   auths,
		authn:   authn,
		metrics: m,
		obs:     obs,
		limiter: limiter,
		nowFn:   time.Now,
	}
}

// Routes assembles the chi router with per-group observability and rate
// limiting middleware.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())
	r.Route("/v1", func(r chi.Router) {
		r.With(s.obs.Middleware("settlements"), s.limiter.Middleware("settlements")).
			Post("/settlements", s.handleCreateSettlement)
		r.With(s.obs.Middleware("payments"), s.limiter.Middleware("settlements")).
			Post("/payments/confirmed", s.handlePaymentConfirmed)
		r.With(s.obs.Middleware("payments"), s.limiter.Middleware("settlements")).
			Post("/payments/refunded", s.handlePaymentRefunded)
		r.With(s.obs.Middleware("points"), s.limiter.Middleware("points")).
			Get("/points/{userID}", s.handlePointsBalance)
		r.With(s.obs.Middleware("funding"), s.limiter.Middleware("funding")).
			Post("/funding/completions", s.handleFundingCompletion)
		r.With(s.obs.Middleware("admin"), s.adminAuth).
			Post("/admin/points", s.handleAdminPoints)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type planPayload struct {
	OriginalAmount string `json:"originalAmount"`
	USDCToPay      string `json:"usdcToPay"`
	PointsToUse    int64  `json:"pointsToUse"`
	PointsValue    string `json:"pointsValue"`
}

type authorizationPayload struct {
	BookingID      string `json:"bookingId"`
	Customer       string `json:"customer"`
	Provider       string `json:"provider"`
	Inviter        string `json:"inviter,omitempty"`
	Amount         string `json:"amount"`
	OriginalAmount string `json:"originalAmount"`
	PlatformFeeBps uint32 `json:"platformFeeBps"`
	InviterFeeBps  uint32 `json:"inviterFeeBps"`
	Nonce          string `json:"nonce"`
	Expiry         int64  `json:"expiry"`
}

type createSettlementRequest struct {
	ServiceID      string `json:"serviceId"`
	CustomerID     string `json:"customerId"`
	Customer       string `json:"customer"`
	Provider       string `json:"provider"`
	Inviter        string `json:"inviter"`
	OriginalAmount string `json:"originalAmount"`
	USDCBalance    string `json:"usdcBalance"`
	UsePoints      bool   `json:"usePoints"`
}

type createSettlementResponse struct {
	BookingID     string               `json:"bookingId"`
	Plan          planPayload          `json:"plan"`
	Authorization authorizationPayload `json:"authorization"`
	Signature     string               `json:"signature"`
	Signer        string               `json:"signer"`
}

func (s *Server) handleCreateSettlement(w http.ResponseWriter, r *http.Request) {
	body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req createSettlementRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "customerId required")
		return
	}
	customer, err := bookcrypto.DecodeAddress(strings.TrimSpace(req.Customer))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "customer address: "+err.Error())
		return
	}
	provider, err := bookcrypto.DecodeAddress(strings.TrimSpace(req.Provider))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "provider address: "+err.Error())
		return
	}
	var inviter bookcrypto.Address
	if trimmed := strings.TrimSpace(req.Inviter); trimmed != "" {
		inviter, err = bookcrypto.DecodeAddress(trimmed)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "inviter address: "+err.Error())
			return
		}
	}
	originalAmount, err := parseUSDC(req.OriginalAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "originalAmount: "+err.Error())
		return
	}
	if originalAmount <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "originalAmount must be positive")
		return
	}
	usdcBalance, err := parseUSDC(req.USDCBalance)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "usdcBalance: "+err.Error())
		return
	}

	acct, err := s.store.PointsBalance(r.Context(), req.CustomerID)
	if err != nil {
		s.logger.Error("points balance lookup failed", slog.String("user", req.CustomerID), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "points balance unavailable")
		return
	}

	plan, err := settlement.PlanPayment(bigUSDC(originalAmount), bigUSDC(usdcBalance), acct.Balance, req.UsePoints)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !plan.CanAfford {
		s.metrics.PlansBlocked.Inc()
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":           "insufficient_balance",
			"required":        formatUSDCBig(plan.USDCToPay),
			"usdcAvailable":   formatUSDC(usdcBalance),
			"pointsAvailable": acct.Balance,
		})
		return
	}
	s.metrics.PlansComputed.WithLabelValues(strconv.FormatBool(plan.PointsToUse > 0)).Inc()

	hasInviter := !inviter.IsZero()
	platformBps, inviterBps := s.fees.RatesFor(hasInviter)

	bookingID := newBookingID(req.ServiceID, req.CustomerID)
	authz := settlement.Authorization{
		BookingID:      bookingID,
		Customer:       raw20(customer),
		Provider:       raw20(provider),
		Inviter:        raw20(inviter),
		Amount:         plan.USDCToPay,
		OriginalAmount: plan.OriginalAmount,
		PlatformFeeBps: platformBps,
		InviterFeeBps:  inviterBps,
	}
	signed, err := s.signer.Authorize(authz)
	if err != nil {
		s.metrics.AuthorizationsRejected.WithLabelValues("signer").Inc()
		s.logger.Error("authorization signing failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "authorization unavailable")
		return
	}

	bookingHex := hexBytes(bookingID[:])
	nonceHex := hexBytes(signed.Authorization.Nonce[:])
	record := &BookingRecord{
		ID:              bookingHex,
		ServiceID:       strings.TrimSpace(req.ServiceID),
		CustomerID:      req.CustomerID,
		CustomerAddress: customer.String(),
		ProviderAddress: provider.String(),
		OriginalAmount:  originalAmount,
		USDCPaid:        plan.USDCToPay.Int64(),
		PointsUsed:      plan.PointsToUse,
		PointsValue:     plan.PointsValue.Int64(),
		PlatformFeeBps:  platformBps,
		InviterFeeBps:   inviterBps,
		Nonce:           nonceHex,
		Expiry:          signed.Authorization.Expiry,
	}
	if hasInviter {
		record.InviterAddress = inviter.String()
	}
	if err := s.store.CreateBooking(r.Context(), record); err != nil {
		s.logger.Error("booking persistence failed", slog.String("booking", bookingHex), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "booking persistence failed")
		return
	}
	if err := s.auths.PutIssued(nonceHex, bookingHex, s.nowFn().Unix(), signed.Authorization.Expiry); err != nil {
		s.logger.Error("authorization record failed", slog.String("booking", bookingHex), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "authorization persistence failed")
		return
	}
	s.metrics.AuthorizationsIssued.Inc()

	signerAddr, err := s.signer.Address()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "signer unavailable")
		return
	}

	resp := createSettlementResponse{
		BookingID: bookingHex,
		Plan: planPayload{
			OriginalAmount: formatUSDCBig(plan.OriginalAmount),
			USDCToPay:      formatUSDCBig(plan.USDCToPay),
			PointsToUse:    plan.PointsToUse,
			PointsValue:    formatUSDCBig(plan.PointsValue),
		},
		Authorization: authorizationPayload{
			BookingID:      bookingHex,
			Customer:       customer.String(),
			Provider:       provider.String(),
			Amount:         formatUSDCBig(signed.Authorization.Amount),
			OriginalAmount: formatUSDCBig(signed.Authorization.OriginalAmount),
			PlatformFeeBps: platformBps,
			InviterFeeBps:  inviterBps,
			Nonce:          nonceHex,
			Expiry:         signed.Authorization.Expiry,
		},
		Signature: hexBytes(signed.Signature),
		Signer:    bookcrypto.MustNewAddress(bookcrypto.BookPrefix, signerAddr).String(),
	}
	if hasInviter {
		resp.Authorization.Inviter = inviter.String()
	}
	writeJSON(w, http.StatusCreated, resp)
}

type paymentConfirmedRequest struct {
	BookingID      string `json:"bookingId"`
	ChainBookingID string `json:"chainBookingId"`
	TxHash         string `json:"txHash"`
}

type paymentConfirmedResponse struct {
	BookingID        string `json:"bookingId"`
	Status           string `json:"status"`
	PointsDebited    int64  `json:"pointsDebited"`
	DebitQueued      bool   `json:"debitQueued,omitempty"`
	AlreadyProcessed bool   `json:"alreadyProcessed,omitempty"`
}

// handlePaymentConfirmed records an on-chain payment confirmation. The
// settlement is already irrevocable when this is called, so a failing points
// debit is queued for reconciliation instead of failing the request.
func (s *Server) handlePaymentConfirmed(w http.ResponseWriter, r *http.Request) {
	body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req paymentConfirmedRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	bookingID := strings.TrimSpace(req.BookingID)
	if bookingID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "bookingId required")
		return
	}
	record, changed, err := s.store.MarkBookingPaid(r.Context(), bookingID, strings.TrimSpace(req.ChainBookingID), strings.TrimSpace(req.TxHash))
	switch {
	case errors.Is(err, ErrBookingNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown booking")
		return
	case err != nil:
		s.logger.Error("payment confirmation failed", slog.String("booking", bookingID), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "confirmation failed")
		return
	}
	if !changed {
		resp := paymentConfirmedResponse{
			BookingID:        record.ID,
			Status:           record.Status,
			AlreadyProcessed: true,
		}
		// Only report the debit once it actually reached the ledger; it may
		// still be sitting in the recon queue.
		if record.PointsUsed > 0 {
			debited, err := s.store.PointsDebitRecorded(r.Context(), record.CustomerID, record.ID)
			if err != nil {
				s.logger.Error("debit lookup failed", slog.String("booking", record.ID), slog.Any("err", err))
				writeError(w, http.StatusInternalServerError, "internal", "confirmation lookup failed")
				return
			}
			if debited {
				resp.PointsDebited = record.PointsUsed
			} else {
				resp.DebitQueued = true
			}
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	s.metrics.BookingsPaid.Inc()

	if err := s.auths.Consume(record.Nonce, record.ID, s.nowFn().Unix()); err != nil {
		// The nonce record is advisory once the chain confirmed; log and move on.
		s.logger.Warn("authorization consume failed", slog.String("booking", record.ID), slog.Any("err", err))
	}

	resp := paymentConfirmedResponse{BookingID: record.ID, Status: record.Status}
	if record.PointsUsed > 0 {
		ref := points.Reference{Type: "booking", ID: record.ID}
		result, err := s.store.DebitPoints(r.Context(), record.CustomerID, record.PointsUsed, points.TxBookingDebit, ref, "booking payment")
		if err != nil {
			s.metrics.DebitsQueued.Inc()
			s.logger.Warn("points debit deferred to reconciliation",
				slog.String("booking", record.ID),
				slog.String("user", record.CustomerID),
				slog.Int64("points", record.PointsUsed),
				slog.Any("err", err),
			)
			if qerr := s.store.EnqueueDebitRetry(r.Context(), record.ID, record.CustomerID, record.PointsUsed, err); qerr != nil {
				s.logger.Error("debit retry enqueue failed", slog.String("booking", record.ID), slog.Any("err", qerr))
			}
			resp.DebitQueued = true
		} else if result.Applied {
			s.metrics.PointsDebited.Add(float64(record.PointsUsed))
			resp.PointsDebited = record.PointsUsed
		} else {
			resp.PointsDebited = record.PointsUsed
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type paymentRefundedRequest struct {
	BookingID string `json:"bookingId"`
	TxHash    string `json:"txHash"`
}

type paymentRefundedResponse struct {
	BookingID        string `json:"bookingId"`
	Status           string `json:"status"`
	PointsRestored   int64  `json:"pointsRestored"`
	AlreadyProcessed bool   `json:"alreadyProcessed,omitempty"`
}

// handlePaymentRefunded records an on-chain refund of a paid booking and
// returns the points that were spent on it. The credit happens at most once,
// and only when the original debit actually landed.
func (s *Server) handlePaymentRefunded(w http.ResponseWriter, r *http.Request) {
	body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req paymentRefundedRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	bookingID := strings.TrimSpace(req.BookingID)
	if bookingID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "bookingId required")
		return
	}
	record, changed, restored, err := s.store.MarkBookingRefunded(r.Context(), bookingID, strings.TrimSpace(req.TxHash))
	switch {
	case errors.Is(err, ErrBookingNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown booking")
		return
	case errors.Is(err, ErrBookingNotRefundable):
		writeError(w, http.StatusConflict, "not_refundable", err.Error())
		return
	case err != nil:
		s.logger.Error("refund recording failed", slog.String("booking", bookingID), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "refund recording failed")
		return
	}
	if changed && restored > 0 {
		s.metrics.PointsCredited.Add(float64(restored))
	}
	writeJSON(w, http.StatusOK, paymentRefundedResponse{
		BookingID:        record.ID,
		Status:           record.Status,
		PointsRestored:   restored,
		AlreadyProcessed: !changed,
	})
}

type pointsBalanceResponse struct {
	UserID         string `json:"userId"`
	Balance        int64  `json:"balance"`
	LifetimeEarned int64  `json:"lifetimeEarned"`
	LifetimeSpent  int64  `json:"lifetimeSpent"`
	USDValue       string `json:"usdValue"`
}

func (s *Server) handlePointsBalance(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user id required")
		return
	}
	acct, err := s.store.PointsBalance(r.Context(), userID)
	if err != nil {
		s.logger.Error("points balance lookup failed", slog.String("user", userID), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "points balance unavailable")
		return
	}
	writeJSON(w, http.StatusOK, pointsBalanceResponse{
		UserID:         userID,
		Balance:        acct.Balance,
		LifetimeEarned: acct.LifetimeEarned,
		LifetimeSpent:  acct.LifetimeSpent,
		USDValue:       formatUSDC(acct.Balance * settlement.PointValueBaseUnits),
	})
}

type fundingCompletionRequest struct {
	UserID          string `json:"userId"`
	RequestedAmount string `json:"requestedAmount"`
	ReceivedAmount  string `json:"receivedAmount"`
	TxHash          string `json:"txHash"`
	Provider        string `json:"provider"`
}

type fundingCompletionResponse struct {
	FundingRecordID  string `json:"fundingRecordId"`
	PointsCredited   int64  `json:"pointsCredited"`
	FeeAmount        string `json:"feeAmount"`
	AlreadyProcessed bool   `json:"alreadyProcessed,omitempty"`
}

// handleFundingCompletion converts the on-ramp fee the customer paid into
// points: one point per cent of fee, rounded half up. Replays of the same
// transaction hash return the original outcome.
func (s *Server) handleFundingCompletion(w http.ResponseWriter, r *http.Request) {
	body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req fundingCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	txHash := strings.TrimSpace(req.TxHash)
	if userID == "" || txHash == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "userId and txHash required")
		return
	}
	requested, err := parseUSDC(req.RequestedAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "requestedAmount: "+err.Error())
		return
	}
	received, err := parseUSDC(req.ReceivedAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "receivedAmount: "+err.Error())
		return
	}
	if received <= 0 || requested <= 0 || received > requested {
		writeError(w, http.StatusBadRequest, "invalid_request", "received amount must be positive and not exceed requested amount")
		return
	}
	fee := requested - received
	credited := (fee + settlement.PointValueBaseUnits/2) / settlement.PointValueBaseUnits

	record, created, err := s.store.CompleteFunding(r.Context(), FundingRecord{
		UserID:          userID,
		RequestedAmount: requested,
		ReceivedAmount:  received,
		FeeAmount:       fee,
		PointsCredited:  credited,
		Provider:        strings.TrimSpace(req.Provider),
		TransactionHash: txHash,
	})
	if err != nil {
		s.logger.Error("funding completion failed", slog.String("user", userID), slog.String("tx", txHash), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "funding completion failed")
		return
	}
	if created {
		s.metrics.FundingCompleted.Inc()
		if record.PointsCredited > 0 {
			s.metrics.PointsCredited.Add(float64(record.PointsCredited))
		}
	}
	writeJSON(w, http.StatusOK, fundingCompletionResponse{
		FundingRecordID:  record.ID,
		PointsCredited:   record.PointsCredited,
		FeeAmount:        formatUSDC(record.FeeAmount),
		AlreadyProcessed: !created,
	})
}

type adminPointsRequest struct {
	UserID      string `json:"userId"`
	Points      int64  `json:"points"`
	Direction   string `json:"direction"`
	ReferenceID string `json:"referenceId"`
	Description string `json:"description"`
}

type adminPointsResponse struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
	Applied bool   `json:"applied"`
}

func (s *Server) handleAdminPoints(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, s.cfg.MaxBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var req adminPointsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "userId required")
		return
	}
	ref := points.Reference{}
	if trimmed := strings.TrimSpace(req.ReferenceID); trimmed != "" {
		ref = points.Reference{Type: "admin", ID: trimmed}
	}
	var result *points.Result
	switch strings.ToLower(strings.TrimSpace(req.Direction)) {
	case "credit":
		result, err = s.store.CreditPoints(r.Context(), userID, req.Points, points.TxAdminCredit, ref, req.Description)
		if err == nil && result.Applied {
			s.metrics.PointsCredited.Add(float64(req.Points))
		}
	case "debit":
		result, err = s.store.DebitPoints(r.Context(), userID, req.Points, points.TxAdminDebit, ref, req.Description)
		if err == nil && result.Applied {
			s.metrics.PointsDebited.Add(float64(req.Points))
		}
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "direction must be credit or debit")
		return
	}
	switch {
	case errors.Is(err, points.ErrInsufficientPoints):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_points", err.Error())
		return
	case errors.Is(err, points.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case err != nil:
		s.logger.Error("admin points adjustment failed", slog.String("user", userID), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "adjustment failed")
		return
	}
	writeJSON(w, http.StatusOK, adminPointsResponse{
		UserID:  userID,
		Balance: result.Account.Balance,
		Applied: result.Applied,
	})
}

// adminAuth guards admin endpoints with an HS256 bearer token carrying a
// role=admin claim.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(s.cfg.AdminJWTSecret) == "" {
			writeError(w, http.StatusForbidden, "forbidden", "admin endpoints disabled")
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "unauthorized", "bearer token required")
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.cfg.AdminJWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || claims["role"] != "admin" {
			writeError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate reads the body and verifies the HMAC API-key signature. On
// failure it writes the error response and reports ok=false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := readBody(r, s.cfg.MaxBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return nil, false
	}
	if _, err := s.authn.Authenticate(r, body); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return nil, false
	}
	return body, true
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("request body exceeds %d bytes", limit)
	}
	return body, nil
}

// newBookingID derives a unique 32-byte booking identifier. The UUID salt
// keeps retried plan requests from colliding.
func newBookingID(serviceID, customerID string) [32]byte {
	digest := ethcrypto.Keccak256([]byte(serviceID), []byte("|"), []byte(customerID), []byte("|"), []byte(uuid.NewString()))
	var id [32]byte
	copy(id[:], digest)
	return id
}

func raw20(addr bookcrypto.Address) [20]byte {
	var out [20]byte
	copy(out[:], addr.Bytes())
	return out
}

func hexBytes(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
