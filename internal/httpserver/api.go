package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"economy-bot/internal/confirm"
	"economy-bot/internal/ledger"
	"economy-bot/internal/ranking"
	"economy-bot/internal/rewards"

	"github.com/go-chi/chi/v5"
)

const maxRequestBytes = 64 << 10

type amountRequest struct {
	Amount string `json:"amount"`
}

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type percentRequest struct {
	Percent float64 `json:"percent"`
}

type resetRequest struct {
	UserID string `json:"user_id"`
}

type messageRequest struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id"`
	Content string `json:"content"`
	Bot     bool   `json:"bot"`
}

type presenceRequest struct {
	Bot      bool `json:"bot"`
	AFK      bool `json:"afk"`
	SelfDeaf bool `json:"self_deaf"`
}

type tickRequest struct {
	UserIDs []string `json:"user_ids"`
}

type balanceResponse struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	Formatted string `json:"formatted"`
}

func newBalance(userID string, balance int64) balanceResponse {
	return balanceResponse{UserID: userID, Balance: balance, Formatted: ledger.FormatAmount(balance)}
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, ranked, err := s.deps.Ranking.RankOf(r.Context(), id)
	if err != nil {
		s.fail(w, "account", err)
		return
	}
	balance := entry.Balance
	if !ranked {
		if balance, err = s.deps.Ledger.Balance(r.Context(), id); err != nil {
			s.fail(w, "account", err)
			return
		}
	}
	resp := map[string]any{
		"user_id":   id,
		"balance":   balance,
		"formatted": ledger.FormatAmount(balance),
		"ranked":    ranked,
	}
	if ranked {
		resp["rank"] = entry.Rank
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	amount, ok := s.decodeAmount(w, r)
	if !ok {
		return
	}
	balance, err := s.deps.Ledger.Withdraw(r.Context(), id, amount)
	if err != nil {
		s.fail(w, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, newBalance(id, balance))
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		s.fail(w, "transfer", err)
		return
	}
	res, err := s.deps.Ledger.Transfer(r.Context(), req.From, req.To, amount)
	if err != nil {
		s.fail(w, "transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from": newBalance(req.From, res.FromBalance),
		"to":   newBalance(req.To, res.ToBalance),
	})
}

func (s *Server) handleRanking(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	board, err := s.deps.Ranking.Board(r.Context(), limit)
	if err != nil {
		s.fail(w, "ranking", err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleDailyRanking(w http.ResponseWriter, r *http.Request) {
	if s.deps.Boards == nil {
		writeError(w, http.StatusServiceUnavailable, "ranking cache unavailable")
		return
	}
	var (
		board *ranking.Board
		ok    bool
		err   error
	)
	if raw := r.URL.Query().Get("date"); raw != "" {
		day, perr := time.Parse("2006-01-02", raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		board, ok, err = s.deps.Boards.BoardOn(r.Context(), day)
	} else {
		board, ok, err = s.deps.Boards.DailyBoard(r.Context())
	}
	if err != nil {
		s.logger.Error("failed reading daily ranking", "error", err)
		writeError(w, http.StatusServiceUnavailable, "ranking cache unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no ranking published yet")
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	agg, err := s.deps.Ranking.Aggregate(r.Context())
	if err != nil {
		s.fail(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"participants": agg.Participants,
		"total":        agg.Total,
		"formatted":    ledger.FormatAmount(agg.Total),
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Messages == nil {
		writeError(w, http.StatusServiceUnavailable, "message tracking unavailable")
		return
	}
	var req messageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		s.fail(w, "message", ledger.ErrInvalidUser)
		return
	}
	outcome := s.deps.Messages.OnMessage(r.Context(), rewards.Message{
		ID:      req.ID,
		UserID:  req.UserID,
		Content: req.Content,
		Bot:     req.Bot,
		SentAt:  time.Now(),
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"outcome": string(outcome)})
}

func (s *Server) handlePresenceSet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Presence == nil {
		writeError(w, http.StatusServiceUnavailable, "presence tracking unavailable")
		return
	}
	var req presenceRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	p := rewards.Presence{
		GroupID:  chi.URLParam(r, "group"),
		UserID:   chi.URLParam(r, "user"),
		Bot:      req.Bot,
		AFK:      req.AFK,
		SelfDeaf: req.SelfDeaf,
	}
	s.deps.Presence.Set(p)
	writeJSON(w, http.StatusOK, map[string]any{"presence": p, "qualifies": p.Qualifies()})
}

func (s *Server) handlePresenceRemove(w http.ResponseWriter, r *http.Request) {
	if s.deps.Presence == nil {
		writeError(w, http.StatusServiceUnavailable, "presence tracking unavailable")
		return
	}
	s.deps.Presence.Remove(chi.URLParam(r, "group"), chi.URLParam(r, "user"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePresenceTick(w http.ResponseWriter, r *http.Request) {
	if s.deps.Accrual == nil {
		writeError(w, http.StatusServiceUnavailable, "accrual unavailable")
		return
	}
	var req tickRequest
	if !s.decode(w, r, &req) {
		return
	}
	report := s.deps.Accrual.OnPresenceTick(r.Context(), req.UserIDs)
	writeJSON(w, http.StatusOK, map[string]int{
		"credited": report.Credited,
		"excepted": report.Excepted,
		"failed":   report.Failed,
	})
}

func (s *Server) handleAdminCredit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	amount, ok := s.decodeAmount(w, r)
	if !ok {
		return
	}
	balance, err := s.deps.Ledger.Credit(r.Context(), id, amount)
	if err != nil {
		s.fail(w, "credit", err)
		return
	}
	writeJSON(w, http.StatusOK, newBalance(id, balance))
}

func (s *Server) handleAdminDebit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	amount, ok := s.decodeAmount(w, r)
	if !ok {
		return
	}
	balance, err := s.deps.Ledger.Debit(r.Context(), id, amount)
	if err != nil {
		s.fail(w, "debit", err)
		return
	}
	writeJSON(w, http.StatusOK, newBalance(id, balance))
}

func (s *Server) handleAdminAdjust(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	delta, err := parseSignedAmount(req.Amount)
	if err != nil {
		s.fail(w, "adjust", err)
		return
	}
	balance, err := s.deps.Ledger.AdjustBalance(r.Context(), id, delta)
	if err != nil {
		s.fail(w, "adjust", err)
		return
	}
	writeJSON(w, http.StatusOK, newBalance(id, balance))
}

func (s *Server) handleAdminDebitPercent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req percentRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Ledger.DebitPercent(r.Context(), id, req.Percent)
	if err != nil {
		s.fail(w, "debit_percent", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  id,
		"previous": res.Previous,
		"removed":  res.Removed,
		"balance":  res.Balance,
	})
}

func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	prior, err := s.deps.Ledger.ResetOne(r.Context(), id)
	if err != nil {
		s.fail(w, "reset", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "previous": prior, "balance": 0})
}

func (s *Server) handleListExceptions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.Ledger.Exceptions(r.Context())
	if err != nil {
		s.fail(w, "exceptions", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_ids": ids})
}

func (s *Server) handleAddException(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Ledger.RegisterException(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, "exceptions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveException(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Ledger.ClearException(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, "exceptions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProposeReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		s.fail(w, "reset_all", ledger.ErrInvalidUser)
		return
	}
	ticket, err := s.deps.Resets.Propose(r.Context(), req.UserID)
	if err != nil {
		s.fail(w, "reset_all", err)
		return
	}
	writeJSON(w, http.StatusAccepted, ticket)
}

func (s *Server) handleGetReset(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.deps.Resets.Get(chi.URLParam(r, "ticket"))
	if err != nil {
		s.fail(w, "reset_all", err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleConfirmReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !s.decode(w, r, &req) {
		return
	}
	summary, err := s.deps.Resets.Confirm(r.Context(), chi.URLParam(r, "ticket"), req.UserID)
	if err != nil {
		s.fail(w, "reset_all", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": summary.Count,
		"total":    summary.Total,
	})
}

func (s *Server) handleCancelReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Resets.Cancel(chi.URLParam(r, "ticket"), req.UserID); err != nil {
		s.fail(w, "reset_all", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(confirm.StateCancelled)})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) decodeAmount(w http.ResponseWriter, r *http.Request) (int64, bool) {
	var req amountRequest
	if !s.decode(w, r, &req) {
		return 0, false
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return amount, true
}

// fail maps domain errors to status codes. Unexpected failures are logged and
// reported without detail.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "op", op, "error", err)
		if s.metrics != nil {
			s.metrics.Errors.WithLabelValues("http").Inc()
		}
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidPercent),
		errors.Is(err, ledger.ErrInvalidUser),
		errors.Is(err, ledger.ErrSameAccount),
		errors.Is(err, ledger.ErrBelowMinimum):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, confirm.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, confirm.ErrExpired):
		return http.StatusGone
	case errors.Is(err, confirm.ErrNotRequester):
		return http.StatusForbidden
	case errors.Is(err, confirm.ErrTicketNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseSignedAmount accepts an optional leading sign before a decimal amount.
func parseSignedAmount(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	negative := strings.HasPrefix(s, "-")
	if negative {
		s = s[1:]
	} else {
		s = strings.TrimPrefix(s, "+")
	}
	amount, err := ledger.ParseAmount(s)
	if err != nil {
		return 0, err
	}
	if negative {
		return -amount, nil
	}
	return amount, nil
}
