package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillm/perp-agent/internal/advanced"
	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/execution"
	"github.com/kirillm/perp-agent/internal/trigger"
	"github.com/kirillm/perp-agent/pkg/utils"
)

// Orchestrator exposes autonomy mode control and on-demand decision
// cycles to the API and to fired triggers
type Orchestrator interface {
	GetMode() string
	SetMode(mode string) error
	IsRunning() bool
	RunCycle(ctx context.Context) error
}

// Exchange is the read surface used by status endpoints
type Exchange interface {
	GetPositions(ctx context.Context) ([]domain.Position, error)
	GetOpenOrders(ctx context.Context) ([]domain.OpenOrder, error)
}

type Server struct {
	logger       *utils.Logger
	userID       string
	exchange     Exchange
	executor     *execution.Executor
	killSwitch   *execution.KillSwitch
	advanced     *advanced.Engine
	triggers     *trigger.Registry
	candles      trigger.CandleSource
	orchestrator Orchestrator
	port         int
}

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type IntentBatchRequest struct {
	Intents []domain.TradingIntent `json:"intents"`
}

type AdvancedOrderRequest struct {
	Symbol    string                `json:"symbol"`
	Side      string                `json:"side"`
	OrderType string                `json:"order_type"`
	TotalSize float64               `json:"total_size"`
	Params    domain.AdvancedParams `json:"params"`
}

type ModeRequest struct {
	Mode string `json:"mode"`
}

type KillSwitchRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
}

type TriggerSetRequest struct {
	StrategyID string               `json:"strategy_id"`
	Symbol     string               `json:"symbol"`
	Triggers   []domain.TriggerSpec `json:"triggers"`
}

func NewServer(
	logger *utils.Logger,
	userID string,
	ex Exchange,
	executor *execution.Executor,
	killSwitch *execution.KillSwitch,
	advancedEngine *advanced.Engine,
	triggers *trigger.Registry,
	candles trigger.CandleSource,
	orchestrator Orchestrator,
	port int,
) *Server {
	return &Server{
		logger:       logger,
		userID:       userID,
		exchange:     ex,
		executor:     executor,
		killSwitch:   killSwitch,
		advanced:     advancedEngine,
		triggers:     triggers,
		candles:      candles,
		orchestrator: orchestrator,
		port:         port,
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Register routes
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/intents", s.handleIntents)
	mux.HandleFunc("/advanced", s.handleAdvanced)
	mux.HandleFunc("/advanced/pause", s.handleAdvancedPause)
	mux.HandleFunc("/advanced/resume", s.handleAdvancedResume)
	mux.HandleFunc("/advanced/cancel", s.handleAdvancedCancel)
	mux.HandleFunc("/triggers", s.handleTriggers)
	mux.HandleFunc("/triggers/stop", s.handleTriggersStop)
	mux.HandleFunc("/mode", s.handleMode)
	mux.HandleFunc("/killswitch", s.handleKillSwitch)
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("Starting HTTP server on %s", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// handleHealth - health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	halted, reason, _ := s.killSwitch.Status()
	health := map[string]interface{}{
		"status":             "healthy",
		"kill_switch":        halted,
		"kill_switch_reason": reason,
		"orchestrator":       s.orchestrator.IsRunning(),
		"timestamp":          time.Now().Unix(),
	}

	s.sendSuccess(w, health)
}

// handleStatus - positions and resting orders
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	positions, err := s.exchange.GetPositions(r.Context())
	if err != nil {
		s.sendError(w, fmt.Sprintf("Failed to get positions: %v", err), http.StatusInternalServerError)
		return
	}

	orders, err := s.exchange.GetOpenOrders(r.Context())
	if err != nil {
		s.sendError(w, fmt.Sprintf("Failed to get open orders: %v", err), http.StatusInternalServerError)
		return
	}

	s.sendSuccess(w, map[string]interface{}{
		"mode":      s.orchestrator.GetMode(),
		"positions": positions,
		"orders":    orders,
		"timestamp": time.Now().Unix(),
	})
}

// handleIntents - submit a batch of trading intents for execution
func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req IntentBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if len(req.Intents) == 0 {
		s.sendError(w, "Intents are required", http.StatusBadRequest)
		return
	}

	summary, err := s.executor.ExecuteTradeStrategy(r.Context(), s.userID, req.Intents)
	if err != nil {
		s.sendError(w, fmt.Sprintf("Execution failed: %v", err), http.StatusUnprocessableEntity)
		return
	}

	s.sendSuccess(w, summary)
}

// handleAdvanced - list advanced orders (GET) or create one (POST)
func (s *Server) handleAdvanced(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		orders, err := s.advanced.ListOrders()
		if err != nil {
			s.sendError(w, fmt.Sprintf("Failed to list orders: %v", err), http.StatusInternalServerError)
			return
		}
		s.sendSuccess(w, orders)

	case http.MethodPost:
		var req AdvancedOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		order := &domain.AdvancedOrder{
			Symbol:    req.Symbol,
			Side:      req.Side,
			OrderType: req.OrderType,
			TotalSize: req.TotalSize,
			Params:    req.Params,
		}
		if err := s.advanced.ExecuteOrder(r.Context(), order); err != nil {
			s.sendError(w, fmt.Sprintf("Order rejected: %v", err), http.StatusBadRequest)
			return
		}
		s.sendSuccess(w, order)

	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAdvancedPause - pause an active advanced order
func (s *Server) handleAdvancedPause(w http.ResponseWriter, r *http.Request) {
	s.advancedAction(w, r, func(id string) error {
		return s.advanced.PauseOrder(id)
	})
}

// handleAdvancedResume - resume a paused advanced order
func (s *Server) handleAdvancedResume(w http.ResponseWriter, r *http.Request) {
	s.advancedAction(w, r, func(id string) error {
		return s.advanced.ResumeOrder(r.Context(), id)
	})
}

// handleAdvancedCancel - cancel an advanced order and its resting children
func (s *Server) handleAdvancedCancel(w http.ResponseWriter, r *http.Request) {
	s.advancedAction(w, r, func(id string) error {
		return s.advanced.CancelOrder(r.Context(), id)
	})
}

func (s *Server) advancedAction(w http.ResponseWriter, r *http.Request, action func(id string) error) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		s.sendError(w, "Order id is required", http.StatusBadRequest)
		return
	}

	if err := action(id); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.sendSuccess(w, map[string]interface{}{
		"id":        id,
		"timestamp": time.Now().Unix(),
	})
}

// handleTriggers - supervisor stats (GET) or start a supervisor whose
// fired triggers kick off an unscheduled decision cycle (POST)
func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.sendSuccess(w, s.triggers.All())

	case http.MethodPost:
		var req TriggerSetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.StrategyID == "" || req.Symbol == "" {
			s.sendError(w, "strategy_id and symbol are required", http.StatusBadRequest)
			return
		}
		if len(req.Triggers) == 0 {
			s.sendError(w, "Triggers are required", http.StatusBadRequest)
			return
		}

		source := trigger.NewIndicatorSource(s.candles, req.Symbol)
		s.triggers.Create(s.userID, req.StrategyID, req.Triggers, source, s.triggerCallback(req.StrategyID))

		s.sendSuccess(w, map[string]interface{}{
			"strategy_id": req.StrategyID,
			"symbol":      req.Symbol,
			"triggers":    len(req.Triggers),
		})

	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// triggerCallback builds the fire handler for a strategy's supervisor:
// a fired trigger kicks off one unscheduled decision cycle. The cycle
// runs detached so a slow decision never blocks the polling loop.
func (s *Server) triggerCallback(strategyID string) trigger.FireCallback {
	return func(spec domain.TriggerSpec, value float64, reason string) {
		s.logger.Info("trigger %s fired for %s (%s) at %.6g", spec.ID, strategyID, reason, value)
		go func() {
			if err := s.orchestrator.RunCycle(context.Background()); err != nil {
				s.logger.Error("trigger-driven cycle failed: %v", err)
			}
		}()
	}
}

// handleTriggersStop - stop and remove a strategy's supervisor
func (s *Server) handleTriggersStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	strategyID := r.URL.Query().Get("strategy_id")
	if strategyID == "" {
		s.sendError(w, "strategy_id is required", http.StatusBadRequest)
		return
	}

	s.triggers.Stop(s.userID, strategyID)
	s.sendSuccess(w, map[string]interface{}{
		"strategy_id": strategyID,
		"timestamp":   time.Now().Unix(),
	})
}

// handleMode - get or switch autonomy mode
func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.sendSuccess(w, map[string]string{"mode": s.orchestrator.GetMode()})

	case http.MethodPost:
		var req ModeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := s.orchestrator.SetMode(req.Mode); err != nil {
			s.sendError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.sendSuccess(w, map[string]string{"mode": req.Mode})

	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleKillSwitch - inspect or flip the kill switch
func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		active, reason, at := s.killSwitch.Status()
		s.sendSuccess(w, map[string]interface{}{
			"active":       active,
			"reason":       reason,
			"activated_at": at,
		})

	case http.MethodPost:
		var req KillSwitchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.Active {
			reason := req.Reason
			if reason == "" {
				reason = "manual halt via API"
			}
			s.killSwitch.Activate(reason)
		} else {
			s.killSwitch.Deactivate()
		}
		s.sendSuccess(w, map[string]bool{"active": req.Active})

	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Helper methods
func (s *Server) sendSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(Response{
		Success: true,
		Data:    data,
	})
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{
		Success: false,
		Error:   message,
	})
}
