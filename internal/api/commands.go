package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"realmecon/internal/econ"
	"realmecon/internal/enterprise"
	"realmecon/internal/ledger"
	"realmecon/internal/market"
)

type amountBody struct {
	AmountMicros int64 `json:"amount_micros"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	out, err := s.eng.Ledger.Open(r.Context(), chi.URLParam(r, "owner"))
	s.finish(w, r, "open", http.StatusOK, out, err)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.savings(w, r, "deposit", s.eng.Ledger.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.savings(w, r, "withdraw", s.eng.Ledger.Withdraw)
}

func (s *Server) savings(w http.ResponseWriter, r *http.Request, command string,
	move func(ctx context.Context, in ledger.SavingsInput) (econ.Account, error)) {
	var in amountBody
	if err := decodeJSON(r, &in); err != nil {
		s.finish(w, r, command, 0, nil, err)
		return
	}
	out, err := move(r.Context(), ledger.SavingsInput{
		Owner:          chi.URLParam(r, "owner"),
		AmountMicros:   in.AmountMicros,
		IdempotencyKey: idempotencyKey(r),
	})
	s.finish(w, r, command, http.StatusOK, out, err)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var in struct {
		To           econ.Party `json:"to"`
		AmountMicros int64      `json:"amount_micros"`
		Reason       string     `json:"reason"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.finish(w, r, "transfer", 0, nil, err)
		return
	}
	if in.To.Kind == "" {
		in.To.Kind = econ.PartyAccount
	}
	kind, ok := econ.ParsePartyKind(string(in.To.Kind))
	if !ok || strings.TrimSpace(in.To.ID) == "" {
		s.finish(w, r, "transfer", 0, nil, econ.NewError(econ.CodeInvalidRequest, "invalid receiver"))
		return
	}
	out, err := s.eng.Ledger.Transfer(r.Context(), ledger.TransferInput{
		From:           econ.AccountParty(chi.URLParam(r, "owner")),
		To:             econ.Party{Kind: kind, ID: strings.TrimSpace(in.To.ID)},
		AmountMicros:   in.AmountMicros,
		Reason:         in.Reason,
		IdempotencyKey: idempotencyKey(r),
	})
	s.finish(w, r, "transfer", http.StatusCreated, out, err)
}

func (s *Server) handleCitizenship(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Polity string `json:"polity"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.finish(w, r, "citizenship", 0, nil, err)
		return
	}
	out, err := s.eng.Ledger.SetCitizenship(r.Context(), chi.URLParam(r, "owner"), in.Polity)
	s.finish(w, r, "citizenship", http.StatusOK, out, err)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	err := s.eng.Ledger.Archive(r.Context(), owner)
	s.finish(w, r, "archive", http.StatusOK, map[string]any{"owner": owner, "archived": true}, err)
}

// handleAdjust mints into or burns from any party, for rewards and fines.
func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	direction := chi.URLParam(r, "direction")
	var in struct {
		Party        econ.Party  `json:"party"`
		AmountMicros int64       `json:"amount_micros"`
		Kind         econ.TxKind `json:"kind"`
		Reason       string      `json:"reason"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.finish(w, r, "adjust", 0, nil, err)
		return
	}
	adj := ledger.AdjustInput{
		Party:          in.Party,
		AmountMicros:   in.AmountMicros,
		Kind:           in.Kind,
		Reason:         in.Reason,
		IdempotencyKey: idempotencyKey(r),
	}
	var (
		out econ.Transaction
		err error
	)
	switch direction {
	case "mint":
		if adj.Kind == "" {
			adj.Kind = econ.TxReward
		}
		out, err = s.eng.Ledger.Mint(r.Context(), adj)
	case "burn":
		if adj.Kind == "" {
			adj.Kind = econ.TxFine
		}
		out, err = s.eng.Ledger.Burn(r.Context(), adj)
	default:
		err = econ.NewError(econ.CodeInvalidRequest, "direction must be mint or burn")
	}
	s.finish(w, r, "adjust", http.StatusCreated, out, err)
}

func (s *Server) handleOpenTreasury(w http.ResponseWriter, r *http.Request) {
	out, err := s.eng.Ledger.OpenTreasury(r.Context(), chi.URLParam(r, "polity"))
	s.finish(w, r, "open-treasury", http.StatusOK, out, err)
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	var in struct {
		GeneralBps int32 `json:"general_bps"`
		ImportBps  int32 `json:"import_bps"`
		ExportBps  int32 `json:"export_bps"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.finish(w, r, "rates", 0, nil, err)
		return
	}
	out, err := s.eng.Ledger.SetTaxRates(r.Context(), ledger.RatesInput{
		Polity:     chi.URLParam(r, "polity"),
		GeneralBps: in.GeneralBps,
		ImportBps:  in.ImportBps,
		ExportBps:  in.ExportBps,
	})
	s.finish(w, r, "rates", http.StatusOK, out, err)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Owner            string `json:"owner"`
		Item             string `json:"item"`
		Side             string `json:"side"`
		Quantity         int64  `json:"quantity"`
		LimitPriceMicros int64  `json:"limit_price_micros"`
		TTLSeconds       int64  `json:"ttl_seconds"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.finish(w, r, "place-order", 0, nil, err)
		return
	}
	side, _ := econ.ParseSide(in.Side)
	out, err := s.eng.Market.PlaceOrder(r.Context(), market.PlaceInput{
		Owner:            in.Owner,
		Item:             in.Item,
		Side:             side,
		Quantity:         in.Quantity,
		LimitPriceMicros: in.LimitPriceMicros,
		TTL:              time.Duration(in.TTLSeconds) * time.Second,
		IdempotencyKey:   idempotencyKey(r),
	})
	s.finish(w, r, "place-order", http.StatusCreated, out, err)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.finish(w, r, "cancel-order", 0, nil, err)
		return
	}
	var in struct {
		Owner string `json:"owner"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.finish(w, r, "cancel-order", 0, nil, err)
		return
	}
	out, err := s.eng.Market.CancelOrder(r.Context(), in.Owner, id)
	s.finish(w, r, "cancel-order", http.StatusOK, out, err)
}

func (s *Server) handleFound(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Owner  string `json:"owner"`
		Type   string `json:"type"`
		Polity string `json:"polity"`
		Name   string `json:"name"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.finish(w, r, "found", 0, nil, err)
		return
	}
	out, err := s.eng.Enterprise.Found(r.Context(), enterprise.FoundInput{
		Owner:          in.Owner,
		Type:           in.Type,
		Polity:         in.Polity,
		Name:           in.Name,
		IdempotencyKey: idempotencyKey(r),
	})
	s.finish(w, r, "found", http.StatusCreated, out, err)
}

type staffBody struct {
	Owner  string `json:"owner"`
	Worker string `json:"worker"`
	Role   string `json:"role,omitempty"`
}

func (s *Server) handleHire(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.finish(w, r, "hire", 0, nil, err)
		return
	}
	var in staffBody
	if err := decodeJSON(r, &in); err != nil {
		s.finish(w, r, "hire", 0, nil, err)
		return
	}
	if in.Role == "" {
		in.Role = "worker"
	}
	out, err := s.eng.Enterprise.Hire(r.Context(), enterprise.HireInput{
		EnterpriseID:   id,
		Owner:          in.Owner,
		Worker:         in.Worker,
		Role:           in.Role,
		IdempotencyKey: idempotencyKey(r),
	})
	s.finish(w, r, "hire", http.StatusCreated, out, err)
}

func (s *Server) handleFire(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.finish(w, r, "fire", 0, nil, err)
		return
	}
	var in staffBody
	if err := decodeJSON(r, &in); err != nil {
		s.finish(w, r, "fire", 0, nil, err)
		return
	}
	paid, err := s.eng.Enterprise.Fire(r.Context(), id, in.Owner, in.Worker)
	s.finish(w, r, "fire", http.StatusOK, map[string]any{
		"enterprise_id": id,
		"worker":        in.Worker,
		"paid_micros":   paid,
	}, err)
}

func (s *Server) handleCapitalize(w http.ResponseWriter, r *http.Request) {
	s.funds(w, r, "capitalize", s.eng.Enterprise.Capitalize)
}

func (s *Server) handleEnterpriseWithdraw(w http.ResponseWriter, r *http.Request) {
	s.funds(w, r, "enterprise-withdraw", s.eng.Enterprise.Withdraw)
}

func (s *Server) funds(w http.ResponseWriter, r *http.Request, command string,
	move func(ctx context.Context, in enterprise.FundsInput) (econ.Enterprise, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		s.finish(w, r, command, 0, nil, err)
		return
	}
	var in struct {
		Owner        string `json:"owner"`
		AmountMicros int64  `json:"amount_micros"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.finish(w, r, command, 0, nil, err)
		return
	}
	out, err := move(r.Context(), enterprise.FundsInput{
		EnterpriseID:   id,
		Owner:          in.Owner,
		AmountMicros:   in.AmountMicros,
		IdempotencyKey: idempotencyKey(r),
	})
	s.finish(w, r, command, http.StatusOK, out, err)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.finish(w, r, "upgrade", 0, nil, err)
		return
	}
	var in struct {
		Owner string `json:"owner"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.finish(w, r, "upgrade", 0, nil, err)
		return
	}
	out, err := s.eng.Enterprise.Upgrade(r.Context(), id, in.Owner, idempotencyKey(r))
	s.finish(w, r, "upgrade", http.StatusOK, out, err)
}
