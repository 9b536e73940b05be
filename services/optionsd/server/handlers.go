package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"nhboptions/gateway/middleware"
	"nhboptions/native/options"
	"nhboptions/services/optionsd/storage"
)

const maxBodyBytes = 1 << 16

type treasuryView struct {
	Authority   string `json:"authority"`
	FeeVault    string `json:"feeVault"`
	PriceFeedID string `json:"priceFeedId,omitempty"`
	Initialized bool   `json:"initialized"`
}

func newTreasuryView(t *options.Treasury) treasuryView {
	view := treasuryView{
		Authority:   t.Authority.Hex(),
		FeeVault:    t.FeeVault.Vault.Hex(),
		Initialized: t.Initialized,
	}
	if t.PriceFeedID != ([32]byte{}) {
		view.PriceFeedID = "0x" + hex.EncodeToString(t.PriceFeedID[:])
	}
	return view
}

type oracleView struct {
	Price         int64  `json:"price"`
	Expo          int32  `json:"expo"`
	PublishTime   int64  `json:"publishTime"`
	ResolvedPrice uint64 `json:"resolvedPrice"`
}

type escrowView struct {
	ID              string                 `json:"id"`
	Nonce           uint64                 `json:"nonce"`
	Creator         string                 `json:"creator"`
	Taker           string                 `json:"taker,omitempty"`
	Winner          string                 `json:"winner,omitempty"`
	Description     string                 `json:"description"`
	StakeCreator    uint64                 `json:"stakeCreator"`
	StakeTaker      uint64                 `json:"stakeTaker"`
	StrikePrice     uint64                 `json:"strikePrice"`
	CreatorPosition string                 `json:"creatorPosition"`
	TakerPosition   string                 `json:"takerPosition,omitempty"`
	Matched         bool                   `json:"matched"`
	TotalPayout     uint64                 `json:"totalPayout"`
	Fee             uint64                 `json:"fee"`
	State           string                 `json:"state"`
	Vault           string                 `json:"vault"`
	CreatedAt       int64                  `json:"createdAt"`
	SettledAt       int64                  `json:"settledAt,omitempty"`
	Oracle          *oracleView            `json:"oracle,omitempty"`
	Events          []storage.JournalEntry `json:"events,omitempty"`
}

func newEscrowView(e *options.Escrow) escrowView {
	view := escrowView{
		ID:              hex.EncodeToString(e.ID[:]),
		Nonce:           e.Nonce,
		Creator:         e.Creator.Hex(),
		Description:     e.Description,
		StakeCreator:    e.StakeCreator,
		StakeTaker:      e.StakeTaker,
		StrikePrice:     e.StrikePrice,
		CreatorPosition: e.CreatorPosition.String(),
		Matched:         e.Matched,
		TotalPayout:     e.TotalPayout,
		Fee:             e.Fee,
		State:           e.State.String(),
		Vault:           e.Vault.Vault.Hex(),
		CreatedAt:       e.CreatedAt,
	}
	if e.Matched {
		view.Taker = e.Taker.Hex()
		view.TakerPosition = e.TakerPosition.String()
	}
	if e.Settled() {
		view.Winner = e.Winner.Hex()
		view.SettledAt = e.SettledAt
		view.Oracle = &oracleView{
			Price:         e.OraclePrice,
			Expo:          e.OracleExpo,
			PublishTime:   e.OraclePublishTime,
			ResolvedPrice: e.ResolvedPrice,
		}
	}
	return view
}

type initializeRequest struct {
	Authority   string `json:"authority"`
	PriceFeedID string `json:"priceFeedId"`
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

type createRequest struct {
	Description  string `json:"description"`
	Stake        uint64 `json:"stake"`
	StrikePrice  uint64 `json:"strikePrice"`
	CounterStake uint64 `json:"counterStake"`
	Position     string `json:"position"`
}

type matchRequest struct {
	Amount   uint64 `json:"amount"`
	Position string `json:"position"`
}

type settleRequest struct {
	Fee uint64 `json:"fee"`
}

type creditRequest struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

type pauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

func (s *Server) handleTreasury(w http.ResponseWriter, r *http.Request) {
	treasury, err := s.engine.Treasury()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTreasuryView(treasury))
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if !s.decode(w, r, &req) {
		return
	}
	cfg := options.TreasuryConfig{Authority: caller(r)}
	if strings.TrimSpace(req.Authority) != "" {
		addr, err := parseAddress(req.Authority)
		if err != nil {
			writeError(w, err)
			return
		}
		cfg.Authority = addr
	}
	if strings.TrimSpace(req.PriceFeedID) != "" {
		feed, err := parseID(req.PriceFeedID)
		if err != nil {
			writeError(w, err)
			return
		}
		cfg.PriceFeedID = feed
	}
	start := time.Now()
	treasury, err := s.engine.Initialize(cfg)
	s.record("initialize", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTreasuryView(treasury))
}

func (s *Server) handleTreasuryWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	start := time.Now()
	err := s.engine.TreasuryWithdraw(caller(r), req.Amount)
	s.record("treasury_withdraw", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"amount": req.Amount})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decode(w, r, &req) {
		return
	}
	position, err := options.ParsePosition(req.Position)
	if err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	escrow, err := s.engine.Create(caller(r), req.Description, req.Stake, req.StrikePrice, req.CounterStake, position)
	s.record("create", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newEscrowView(escrow))
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	escrow, err := s.engine.Escrow(id)
	if err != nil {
		writeError(w, err)
		return
	}
	view := newEscrowView(escrow)
	if s.journal != nil && r.URL.Query().Get("events") == "true" {
		entries, err := s.journal.EscrowEvents(r.Context(), id)
		if err != nil {
			s.logger.Warn("load escrow events", slog.String("escrow", view.ID), slog.Any("error", err))
		} else {
			view.Events = entries
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req matchRequest
	if !s.decode(w, r, &req) {
		return
	}
	position, err := options.ParsePosition(req.Position)
	if err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	escrow, err := s.engine.Match(id, caller(r), req.Amount, position)
	s.record("match", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowView(escrow))
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req settleRequest
	if !s.decode(w, r, &req) {
		return
	}
	start := time.Now()
	escrow, err := s.engine.Settle(r.Context(), id, req.Fee)
	s.record("settle", start, err)
	if err != nil {
		if options.KindOf(err) == options.KindOracle {
			s.metrics.RecordOracleError("settle")
		}
		writeError(w, err)
		return
	}
	side := "taker"
	if escrow.Winner == escrow.Creator {
		side = "creator"
	}
	s.metrics.RecordSettlement(side)
	s.logger.Info("escrow settled",
		slog.String("escrow", hex.EncodeToString(escrow.ID[:])),
		slog.String("status", side),
		slog.Uint64("payout", escrow.TotalPayout))
	writeJSON(w, http.StatusOK, newEscrowView(escrow))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	start := time.Now()
	err = s.engine.Withdraw(id, caller(r), req.Amount)
	s.record("withdraw", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": hex.EncodeToString(id[:]), "amount": req.Amount})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := s.ledger.Balance(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"address": addr.Hex(), "balance": balance})
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AllowCredit {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "ledger credit disabled", Code: "credit_disabled", Kind: string(options.KindAuthorization)})
		return
	}
	var req creditRequest
	if !s.decode(w, r, &req) {
		return
	}
	addr, err := parseAddress(req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Amount == 0 {
		writeError(w, options.ErrAmountNotPositive)
		return
	}
	if err := s.ledger.Credit(addr, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Warn("ledger credited",
		slog.String("caller", caller(r).Hex()),
		slog.String("address", addr.Hex()),
		slog.Uint64("amount", req.Amount))
	balance, err := s.ledger.Balance(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"address": addr.Hex(), "balance": balance})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !s.decode(w, r, &req) {
		return
	}
	module := strings.TrimSpace(req.Module)
	if module == "" {
		module = options.ModuleName
	}
	s.pauses.Set(module, req.Paused)
	s.logger.Warn("module pause toggled",
		slog.String("caller", caller(r).Hex()),
		slog.String("module", module),
		slog.Bool("paused", req.Paused))
	writeJSON(w, http.StatusOK, map[string]interface{}{"paused": s.pauses.Modules()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("decode request: %v", err), Code: errBadRequest.Code, Kind: string(errBadRequest.Kind)})
		return false
	}
	return true
}

func (s *Server) record(operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = options.CodeOf(err)
	}
	s.metrics.RecordOperation(operation, outcome, time.Since(start))
}

func caller(r *http.Request) common.Address {
	id, _ := middleware.IdentityFrom(r.Context())
	return id.Address
}

func parseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", options.ErrInvalidArgument, raw)
	}
	return common.HexToAddress(trimmed), nil
}

func parseID(raw string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != len(id) {
		return id, fmt.Errorf("%w: invalid id %q", options.ErrInvalidArgument, raw)
	}
	copy(id[:], decoded)
	return id, nil
}
