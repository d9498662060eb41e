// Package api exposes the exchange over REST and WebSocket: order
// submission and cancellation, market/book/balance/position queries, and
// a streaming feed of trades, book updates, positions, mark prices and
// balance changes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/crossline/crossline/pkg/engine"
	"github.com/crossline/crossline/pkg/events"
	"github.com/crossline/crossline/pkg/instrument"
	"github.com/crossline/crossline/pkg/ledger"
	"github.com/crossline/crossline/pkg/order"
	"github.com/crossline/crossline/pkg/position"
)

// Server handles REST and WebSocket traffic.
type Server struct {
	log        *zap.Logger
	eng        *engine.Engine
	reg        *instrument.Registry
	led        *ledger.Ledger
	proj       *position.Projection
	bus        *events.Bus
	router     *mux.Router
	hub        *Hub
	depthLevel int

	srv *http.Server
}

func NewServer(log *zap.Logger, eng *engine.Engine, reg *instrument.Registry, led *ledger.Ledger, proj *position.Projection, bus *events.Bus, depthLevels int) *Server {
	s := &Server{
		log:        log.Named("api"),
		eng:        eng,
		reg:        reg,
		led:        led,
		proj:       proj,
		bus:        bus,
		router:     mux.NewRouter(),
		hub:        NewHub(log),
		depthLevel: depthLevels,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")

	api.HandleFunc("/accounts/{accountId}/balances/{asset}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/accounts/{accountId}/positions", s.handleGetPositions).Methods("GET")

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")

	api.HandleFunc("/transfers/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/transfers/withdraw", s.handleWithdraw).Methods("POST")

	api.HandleFunc("/liquidations", s.handleLiquidation).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Run serves until ctx is cancelled, then shuts down gracefully. It also
// pumps bus events into the WebSocket hub.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)
	go s.pumpEvents(ctx)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.srv = &http.Server{Addr: addr, Handler: c.Handler(s.router)}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("server starting", zap.String("addr", addr))
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// pumpEvents fans bus events out to subscribed WebSocket clients.
func (s *Server) pumpEvents(ctx context.Context) {
	trades := s.bus.SubscribeTrades()
	books := s.bus.SubscribeBooks()
	positions := s.bus.SubscribePositions()
	marks := s.bus.SubscribeMarkPrices()
	balances := s.bus.SubscribeBalances()

	// The loop runs until the bus closes its channels; exiting on
	// ctx.Done would leave publishers blocked on full buffers during
	// shutdown.
	for {
		select {
		case t, ok := <-trades:
			if !ok {
				return
			}
			s.hub.BroadcastToChannel("trades:"+s.symbolFor(t.InstrumentID), t)
		case b, ok := <-books:
			if !ok {
				return
			}
			s.hub.BroadcastToChannel("orderbook:"+s.symbolFor(b.InstrumentID), b)
		case p, ok := <-positions:
			if !ok {
				return
			}
			s.hub.BroadcastToChannel(fmt.Sprintf("positions:%d", p.AccountID), p)
		case m, ok := <-marks:
			if !ok {
				return
			}
			s.hub.BroadcastToChannel("markprices", m)
		case bc, ok := <-balances:
			if !ok {
				return
			}
			s.hub.BroadcastToChannel(fmt.Sprintf("balances:%d", bc.AccountID), bc)
		}
	}
}

func (s *Server) symbolFor(instrumentID int64) string {
	if in, ok := s.reg.Get(instrumentID); ok {
		return in.Symbol
	}
	return strconv.FormatInt(instrumentID, 10)
}

func marketInfo(in *instrument.Instrument) MarketInfo {
	return MarketInfo{
		InstrumentID: in.ID,
		Symbol:       in.Symbol,
		BaseAsset:    in.BaseAsset,
		QuoteAsset:   in.QuoteAsset,
		TickSize:     in.TickSize,
		LotSize:      in.LotSize,
		MinNotional:  in.MinNotional,
		MakerFeeBps:  in.MakerFeeBps,
		TakerFeeBps:  in.TakerFeeBps,
		Tradable:     in.Tradable,
	}
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.reg.List()
	response := make([]MarketInfo, len(markets))
	for i, in := range markets {
		response[i] = marketInfo(in)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	in, ok := s.reg.BySymbol(mux.Vars(r)["symbol"])
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}
	respondJSON(w, marketInfo(in))
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	in, ok := s.reg.BySymbol(mux.Vars(r)["symbol"])
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}
	snap, err := s.eng.Depth(r.Context(), in.ID, s.depthLevel)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "orderbook unavailable", err.Error())
		return
	}
	respondJSON(w, OrderbookSnapshot{
		Symbol:    in.Symbol,
		Bids:      snap.Bids,
		Asks:      snap.Asks,
		Timestamp: snap.UpdatedAt.UnixMilli(),
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	accountID, err := strconv.ParseInt(vars["accountId"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid accountId", err.Error())
		return
	}
	b, err := s.led.Balance(accountID, vars["asset"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "balance lookup failed", err.Error())
		return
	}
	respondJSON(w, BalanceInfo{Asset: b.Asset, Available: b.Available, Frozen: b.Frozen})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(mux.Vars(r)["accountId"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid accountId", err.Error())
		return
	}

	out := make([]PositionInfo, 0)
	for _, in := range s.reg.List() {
		pos, err := s.proj.Get(accountID, in.ID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "position lookup failed", err.Error())
			return
		}
		if !pos.Open() {
			continue
		}
		out = append(out, PositionInfo{
			InstrumentID: in.ID,
			Symbol:       in.Symbol,
			Quantity:     pos.Quantity,
			EntryPrice:   pos.EntryPrice,
			Reserved:     pos.Reserved,
			MarkPrice:    pos.LastMarkPrice,
		})
	}
	respondJSON(w, out)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	in, ok := s.reg.BySymbol(req.Symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", req.Symbol)
		return
	}
	side, err := order.ParseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}
	typ, err := order.ParseType(req.Type)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid type", err.Error())
		return
	}
	intent, err := order.ParseIntent(req.Intent)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid intent", err.Error())
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid quantity", err.Error())
		return
	}
	price := decimal.Zero
	if typ == order.Limit {
		if price, err = decimal.NewFromString(req.Price); err != nil {
			respondError(w, http.StatusBadRequest, "invalid price", err.Error())
			return
		}
	}

	res, err := s.eng.Submit(r.Context(), engine.SubmitOrder{
		AccountID:    req.AccountID,
		InstrumentID: in.ID,
		Side:         side,
		Type:         typ,
		Intent:       intent,
		Price:        price,
		Quantity:     qty,
	})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "submit failed", err.Error())
		return
	}

	// A resting reduce/close order claims its share of the position so
	// the same exposure cannot be spent by a second order.
	if res.Order.Resting() && (intent == order.IntentReduce || intent == order.IntentClose) {
		ref := fmt.Sprintf("order:%d", res.Order.ID)
		if _, err := s.proj.Reserve(r.Context(), req.AccountID, in.ID, res.Order.Remaining, ref); err != nil {
			s.log.Warn("position reserve failed",
				zap.Int64("orderId", res.Order.ID),
				zap.Error(err))
		}
	}

	s.log.Info("order submitted",
		zap.Int64("orderId", res.Order.ID),
		zap.String("symbol", in.Symbol),
		zap.String("status", res.Order.Status.String()),
		zap.Int("trades", len(res.Trades)))

	respondJSON(w, SubmitOrderResponse{
		OrderID:   res.Order.ID,
		Status:    res.Order.Status.String(),
		Remaining: res.Order.Remaining,
		Trades:    len(res.Trades),
		Reason:    res.Reason,
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.OrderID <= 0 {
		respondError(w, http.StatusBadRequest, "missing orderId", "")
		return
	}

	res, err := s.eng.Cancel(r.Context(), engine.CancelOrder{OrderID: req.OrderID})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "cancel failed", err.Error())
		return
	}

	// Cancelling a reduce/close order hands its reservation back.
	if res.Cancelled && (res.Order.Intent == order.IntentReduce || res.Order.Intent == order.IntentClose) && res.Order.Remaining.IsPositive() {
		ref := fmt.Sprintf("cancel:%d", res.Order.ID)
		if _, err := s.proj.Release(r.Context(), res.Order.AccountID, res.Order.InstrumentID, res.Order.Remaining, ref); err != nil {
			s.log.Warn("position release failed",
				zap.Int64("orderId", res.Order.ID),
				zap.Error(err))
		}
	}

	respondJSON(w, CancelOrderResponse{
		OrderID:   res.OrderID,
		Cancelled: res.Cancelled,
		Reason:    res.Reason,
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.led.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.led.Withdraw)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64, string, decimal.Decimal, string) (ledger.TransferResult, error)) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.TxID == "" {
		respondError(w, http.StatusBadRequest, "missing txId", "")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}

	res, err := fn(r.Context(), req.AccountID, req.Asset, amount, req.TxID)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			respondError(w, http.StatusUnprocessableEntity, "insufficient balance", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "transfer failed", err.Error())
		return
	}

	b, err := s.led.Balance(req.AccountID, req.Asset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "balance lookup failed", err.Error())
		return
	}
	respondJSON(w, TransferResponse{
		AccountID:      req.AccountID,
		Asset:          req.Asset,
		Available:      b.Available,
		Frozen:         b.Frozen,
		AlreadyApplied: res.AlreadyApplied,
	})
}

// handleLiquidation is the intake for LIQUIDATION_TRIGGERED decisions
// made by the risk service: it force-closes the named position.
func (s *Server) handleLiquidation(w http.ResponseWriter, r *http.Request) {
	var req LiquidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.ReferenceID == "" {
		respondError(w, http.StatusBadRequest, "missing referenceId", "")
		return
	}

	evs, err := s.proj.ForceClose(r.Context(), req.AccountID, req.InstrumentID, req.ReferenceID)
	if err != nil {
		if errors.Is(err, position.ErrNotFound) {
			respondError(w, http.StatusNotFound, "position not found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "liquidation failed", err.Error())
		return
	}
	respondJSON(w, LiquidationResponse{
		ReferenceID:    req.ReferenceID,
		AccountID:      req.AccountID,
		InstrumentID:   req.InstrumentID,
		AlreadyApplied: len(evs) == 0,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: error, Message: message})
}
