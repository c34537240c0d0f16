// Package server exposes the ledger's JSON API: bet placement and
// cancellation, account queries, and wallet operations. Handlers do no
// domain work themselves; they decode, delegate and map errors to status
// codes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"betledger/internal/account"
	"betledger/internal/agents"
	"betledger/internal/bet"
	"betledger/internal/commission"
	"betledger/internal/config"
	"betledger/internal/ledger"
	"betledger/internal/observability"
	"betledger/internal/risk"
	"betledger/internal/wallet"
)

// AccountPublisher pushes post-mutation account figures to subscribers.
type AccountPublisher interface {
	PublishAccount(ctx context.Context, acc *account.Account) error
}

// Server is the HTTP API.
type Server struct {
	accounts  *account.Store
	directory *agents.Index
	bets      *bet.Ledger
	wallet    *wallet.Service
	txs       *ledger.Ledger
	cascade   *commission.Cascade
	rules     *config.Provider
	publisher AccountPublisher

	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(
	accounts *account.Store,
	directory *agents.Index,
	bets *bet.Ledger,
	walletSvc *wallet.Service,
	txs *ledger.Ledger,
	cascade *commission.Cascade,
	rules *config.Provider,
	publisher AccountPublisher,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Server {
	return &Server{
		accounts:  accounts,
		directory: directory,
		bets:      bets,
		wallet:    walletSvc,
		txs:       txs,
		cascade:   cascade,
		rules:     rules,
		publisher: publisher,
		health:    health,
		metrics:   metrics,
		log:       log,
	}
}

// Router builds the API mux.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/accounts", s.instrument("create_account", s.handleCreateAccount))
	mux.HandleFunc("GET /v1/accounts/{id}", s.instrument("get_account", s.handleGetAccount))
	mux.HandleFunc("GET /v1/accounts/{id}/exposure", s.instrument("get_exposure", s.handleGetExposure))
	mux.HandleFunc("GET /v1/accounts/{id}/transactions", s.instrument("get_transactions", s.handleGetTransactions))
	mux.HandleFunc("POST /v1/accounts/{id}/deposit", s.instrument("deposit", s.handleDeposit))
	mux.HandleFunc("POST /v1/accounts/{id}/withdraw", s.instrument("withdraw", s.handleWithdraw))
	mux.HandleFunc("POST /v1/transfers", s.instrument("transfer", s.handleTransfer))

	mux.HandleFunc("POST /v1/bets", s.instrument("place_bet", s.handlePlaceBet))
	mux.HandleFunc("GET /v1/bets/{id}", s.instrument("get_bet", s.handleGetBet))
	mux.HandleFunc("POST /v1/bets/{id}/cancel", s.instrument("cancel_bet", s.handleCancelBet))
	mux.HandleFunc("GET /v1/bets/{id}/commissions", s.instrument("get_commissions", s.handleGetCommissions))

	mux.HandleFunc("DELETE /v1/accounts/{id}", s.instrument("deactivate_account", s.handleDeactivateAccount))
	mux.HandleFunc("PUT /v1/accounts/{id}/settings", s.instrument("update_settings", s.handleUpdateSettings))
	mux.HandleFunc("POST /v1/admin/maintenance", s.instrument("maintenance", s.handleMaintenance))

	mux.HandleFunc("GET /healthz", s.health.LivenessHandler)
	mux.HandleFunc("GET /readyz", s.health.ReadinessHandler)

	return mux
}

// instrument wraps a handler with request metrics.
func (s *Server) instrument(endpoint string, h func(http.ResponseWriter, *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := h(w, r)
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
			s.metrics.HTTPDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

// --- wire types ---

type errorJSON struct {
	Error string `json:"error"`
}

type createAccountJSON struct {
	Kind           string `json:"kind"`
	ParentAgent    string `json:"parent_agent,omitempty"`
	Balance        string `json:"balance"`
	CreditLimit    string `json:"credit_limit"`
	RiskDeposit    string `json:"risk_deposit"`
	CommissionRate string `json:"commission_rate"`
}

type accountJSON struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	ParentAgent    string `json:"parent_agent,omitempty"`
	Balance        string `json:"balance"`
	CreditLimit    string `json:"credit_limit"`
	Exposure       string `json:"exposure"`
	Available      string `json:"available"`
	RiskDeposit    string `json:"risk_deposit"`
	CommissionRate string `json:"commission_rate"`
	Active         bool   `json:"active"`
	Flagged        bool   `json:"flagged"`
}

type placeBetJSON struct {
	AccountID string `json:"account_id"`
	MatchID   string `json:"match_id"`
	MarketID  string `json:"market_id"`
	Selection string `json:"selection"`
	IsBack    bool   `json:"is_back"`
	Odds      string `json:"odds"`
	Amount    string `json:"amount"`
}

type betJSON struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	MatchID      string `json:"match_id"`
	MarketID     string `json:"market_id"`
	Selection    string `json:"selection"`
	IsBack       bool   `json:"is_back"`
	Odds         string `json:"odds"`
	Amount       string `json:"amount"`
	PotentialWin string `json:"potential_win"`
	Liability    string `json:"liability"`
	Status       string `json:"status"`
	ActualWin    string `json:"actual_win"`
	CreatedAt    string `json:"created_at"`
	SettledAt    string `json:"settled_at,omitempty"`
}

type amountJSON struct {
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

type transferJSON struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func betToJSON(b bet.Bet) betJSON {
	out := betJSON{
		ID:           b.ID.String(),
		AccountID:    b.OwnerID.String(),
		MatchID:      b.MatchID,
		MarketID:     b.MarketID,
		Selection:    b.BetOn,
		IsBack:       b.IsBack,
		Odds:         b.Odds.String(),
		Amount:       b.Amount.String(),
		PotentialWin: b.PotentialWin.String(),
		Liability:    b.Liability.String(),
		Status:       b.Status.String(),
		ActualWin:    b.ActualWin.String(),
		CreatedAt:    b.CreatedAt.Format(time.RFC3339Nano),
	}
	if !b.SettledAt.IsZero() {
		out.SettledAt = b.SettledAt.Format(time.RFC3339Nano)
	}
	return out
}

func accountToJSON(acc *account.Account) accountJSON {
	out := accountJSON{
		ID:             acc.ID.String(),
		Kind:           acc.Kind.String(),
		Balance:        acc.Balance.String(),
		CreditLimit:    acc.CreditLimit.String(),
		Exposure:       acc.Exposure.String(),
		Available:      acc.Available().String(),
		RiskDeposit:    acc.RiskDeposit.String(),
		CommissionRate: acc.CommissionRate.String(),
		Active:         acc.Active,
		Flagged:        acc.Flagged,
	}
	if acc.ParentAgent != uuid.Nil {
		out.ParentAgent = acc.ParentAgent.String()
	}
	return out
}

// --- helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
	return status
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) int {
	return s.writeJSON(w, status, errorJSON{Error: err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, account.ErrNotFound), errors.Is(err, bet.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, account.ErrLockTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, risk.ErrMaintenance):
		return http.StatusServiceUnavailable
	case errors.Is(err, bet.ErrNotPending), errors.Is(err, bet.ErrCancelWindowClosed):
		return http.StatusConflict
	case errors.Is(err, account.ErrExists):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvariantViolation):
		return http.StatusInternalServerError
	case errors.Is(err, risk.ErrAccountInactive),
		errors.Is(err, risk.ErrInvalidOdds),
		errors.Is(err, risk.ErrInvalidStake),
		errors.Is(err, risk.ErrMarketSuspended),
		errors.Is(err, risk.ErrMarketLocked),
		errors.Is(err, risk.ErrSelectionUnknown),
		errors.Is(err, risk.ErrStakeOutOfRange),
		errors.Is(err, risk.ErrInsufficientCredit),
		errors.Is(err, risk.ErrOddsChanged),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInsufficientFunds),
		errors.Is(err, wallet.ErrSelfTransfer),
		errors.Is(err, account.ErrInactive):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue(name))
}

func (s *Server) publishAccount(ctx context.Context, id uuid.UUID) {
	if s.publisher == nil {
		return
	}
	acc, err := s.accounts.Get(id)
	if err != nil {
		return
	}
	if err := s.publisher.PublishAccount(ctx, acc); err != nil {
		s.log.Warn().Err(err).Msg("account update publish failed")
	}
}

// --- account handlers ---

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) int {
	var req createAccountJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}

	kind, err := account.ParseKind(req.Kind)
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}

	params := account.CreateParams{Kind: kind}
	if req.ParentAgent != "" {
		parent, err := uuid.Parse(req.ParentAgent)
		if err != nil {
			return s.writeError(w, http.StatusBadRequest, err)
		}
		params.ParentAgent = parent
	}
	if params.Balance, err = parseAmount(req.Balance); err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	if params.CreditLimit, err = parseAmount(req.CreditLimit); err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	if params.RiskDeposit, err = parseAmount(req.RiskDeposit); err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	if params.CommissionRate, err = parseAmount(req.CommissionRate); err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}

	// Agents onboarded without an explicit rate get the platform default
	// for their tier.
	if req.CommissionRate == "" && kind.IsAgent() {
		if rate, ok := s.rules.Current().CommissionRates[kind.String()]; ok {
			params.CommissionRate = rate
		}
	}

	acc, err := s.accounts.Create(params)
	if err != nil {
		return s.writeError(w, statusFor(err), err)
	}
	s.directory.Register(acc.ID, acc.ParentAgent)

	return s.writeJSON(w, http.StatusCreated, accountToJSON(acc))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) int {
	id, err := pathUUID(r, "id")
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	acc, err := s.accounts.Get(id)
	if err != nil {
		return s.writeError(w, statusFor(err), err)
	}
	return s.writeJSON(w, http.StatusOK, accountToJSON(acc))
}

func (s *Server) handleGetExposure(w http.ResponseWriter, r *http.Request) int {
	id, err := pathUUID(r, "id")
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	acc, err := s.accounts.Get(id)
	if err != nil {
		return s.writeError(w, statusFor(err), err)
	}
	return s.writeJSON(w, http.StatusOK, map[string]string{
		"account_id": acc.ID.String(),
		"exposure":   acc.Exposure.String(),
		"available":  acc.Available().String(),
	})
}

func (s *Server) handleGetTransactions(w http.ResponseWriter, r *http.Request) int {
	id, err := pathUUID(r, "id")
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	if _, err := s.accounts.Get(id); err != nil {
		return s.writeError(w, statusFor(err), err)
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return s.writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
		}
	}

	history := s.txs.History(id, limit)
	return s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":   id.String(),
		"transactions": history,
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) int {
	id, err := pathUUID(r, "id")
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	var req amountJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}

	tx, err := s.wallet.Deposit(id, amount, req.Description)
	if err != nil {
		return s.writeError(w, statusFor(err), err)
	}
	s.publishAccount(r.Context(), id)
	return s.writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) int {
	id, err := pathUUID(r, "id")
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	var req amountJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}

	tx, err := s.wallet.Withdraw(id, amount, req.Description)
	if err != nil {
		return s.writeError(w, statusFor(err), err)
	}
	s.publishAccount(r.Context(), id)
	return s.writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) int {
	var req transferJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	from, err := uuid.Parse(req.From)
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	to, err := uuid.Parse(req.To)
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}

	if err := s.wallet.Transfer(from, to, amount); err != nil {
		return s.writeError(w, statusFor(err), err)
	}
	s.publishAccount(r.Context(), from)
	s.publishAccount(r.Context(), to)
	return s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- bet handlers ---

func (s *Server) handlePlaceBet(w http.ResponseWriter, r *http.Request) int {
	var req placeBetJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	odds, err := parseAmount(req.Odds)
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}

	start := time.Now()
	b, err := s.bets.PlaceBet(r.Context(), bet.PlaceParams{
		AccountID: accountID,
		MatchID:   req.MatchID,
		MarketID:  req.MarketID,
		Selection: req.Selection,
		IsBack:    req.IsBack,
		Odds:      odds,
		Amount:    amount,
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.BetsRejected.WithLabelValues(rejectReason(err)).Inc()
			if errors.Is(err, account.ErrLockTimeout) {
				s.metrics.LockTimeouts.Inc()
			}
		}
		return s.writeError(w, statusFor(err), err)
	}

	if s.metrics != nil {
		s.metrics.BetsAccepted.Inc()
		s.metrics.PlacementDuration.Observe(time.Since(start).Seconds())
	}
	s.publishAccount(r.Context(), accountID)
	return s.writeJSON(w, http.StatusCreated, betToJSON(b))
}

func (s *Server) handleGetBet(w http.ResponseWriter, r *http.Request) int {
	id, err := pathUUID(r, "id")
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	b, err := s.bets.Get(id)
	if err != nil {
		return s.writeError(w, statusFor(err), err)
	}
	return s.writeJSON(w, http.StatusOK, betToJSON(b))
}

func (s *Server) handleCancelBet(w http.ResponseWriter, r *http.Request) int {
	id, err := pathUUID(r, "id")
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}

	if err := s.bets.CancelBet(r.Context(), id); err != nil {
		return s.writeError(w, statusFor(err), err)
	}

	if s.metrics != nil {
		s.metrics.BetsCancelled.Inc()
	}
	if b, err := s.bets.Get(id); err == nil {
		s.publishAccount(r.Context(), b.OwnerID)
		return s.writeJSON(w, http.StatusOK, betToJSON(b))
	}
	return s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleGetCommissions(w http.ResponseWriter, r *http.Request) int {
	id, err := pathUUID(r, "id")
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	if _, err := s.bets.Get(id); err != nil {
		return s.writeError(w, statusFor(err), err)
	}
	return s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"bet_id":      id.String(),
		"commissions": s.cascade.RecordsFor(id),
	})
}

// --- admin handlers ---

func (s *Server) handleDeactivateAccount(w http.ResponseWriter, r *http.Request) int {
	id, err := pathUUID(r, "id")
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	if err := s.accounts.Deactivate(id); err != nil {
		return s.writeError(w, statusFor(err), err)
	}
	return s.writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

type settingsJSON struct {
	MinBet      *string `json:"min_bet,omitempty"`
	MaxBet      *string `json:"max_bet,omitempty"`
	CancelGrace *string `json:"cancel_grace,omitempty"`
}

// handleUpdateSettings installs per-account stake and grace overrides by
// swapping in a fresh rules snapshot. In-flight requests keep the
// snapshot they started with.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) int {
	id, err := pathUUID(r, "id")
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	if _, err := s.accounts.Get(id); err != nil {
		return s.writeError(w, statusFor(err), err)
	}

	var req settingsJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}

	var o config.Override
	if req.MinBet != nil {
		v, err := decimal.NewFromString(*req.MinBet)
		if err != nil {
			return s.writeError(w, http.StatusBadRequest, err)
		}
		o.MinBet = &v
	}
	if req.MaxBet != nil {
		v, err := decimal.NewFromString(*req.MaxBet)
		if err != nil {
			return s.writeError(w, http.StatusBadRequest, err)
		}
		o.MaxBet = &v
	}
	if req.CancelGrace != nil {
		d, err := time.ParseDuration(*req.CancelGrace)
		if err != nil {
			return s.writeError(w, http.StatusBadRequest, err)
		}
		o.CancelGrace = &d
	}

	rules := s.rules.Current()
	overrides := make(map[uuid.UUID]config.Override, len(rules.Overrides)+1)
	for k, v := range rules.Overrides {
		overrides[k] = v
	}
	overrides[id] = o
	rules.Overrides = overrides
	s.rules.Update(rules)

	s.log.Info().Str("account_id", id.String()).Msg("account settings updated")
	return s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type maintenanceJSON struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) int {
	var req maintenanceJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}

	rules := s.rules.Current()
	rules.MaintenanceMode = req.Enabled
	s.rules.Update(rules)

	s.log.Warn().Bool("enabled", req.Enabled).Msg("maintenance mode toggled")
	return s.writeJSON(w, http.StatusOK, map[string]bool{"maintenance": req.Enabled})
}

// rejectReason labels a placement rejection for metrics.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, risk.ErrMaintenance):
		return "maintenance"
	case errors.Is(err, risk.ErrAccountInactive), errors.Is(err, account.ErrInactive):
		return "inactive"
	case errors.Is(err, risk.ErrInvalidOdds):
		return "invalid_odds"
	case errors.Is(err, risk.ErrInvalidStake):
		return "invalid_stake"
	case errors.Is(err, risk.ErrMarketSuspended):
		return "market_suspended"
	case errors.Is(err, risk.ErrMarketLocked):
		return "market_locked"
	case errors.Is(err, risk.ErrSelectionUnknown):
		return "selection_unknown"
	case errors.Is(err, risk.ErrStakeOutOfRange):
		return "stake_out_of_range"
	case errors.Is(err, risk.ErrInsufficientCredit):
		return "insufficient_credit"
	case errors.Is(err, risk.ErrOddsChanged):
		return "odds_changed"
	case errors.Is(err, account.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, account.ErrNotFound):
		return "account_not_found"
	default:
		return "other"
	}
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
