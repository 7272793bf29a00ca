// Package daemon serves the decision engine over a unix socket. The JSON
// API is an operator surface: transports push inbound replies in, humans
// resolve escalations, campaign intake registers campaigns and deals.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/g960059/dealgate/internal/api"
	"github.com/g960059/dealgate/internal/config"
	"github.com/g960059/dealgate/internal/lifecycle"
	"github.com/g960059/dealgate/internal/model"
	"github.com/g960059/dealgate/internal/orchestrator"
	"github.com/g960059/dealgate/internal/security"
	"github.com/g960059/dealgate/internal/store"
)

const schemaVersion = "v1"

type Server struct {
	cfg      config.Config
	orch     *orchestrator.Orchestrator
	store    *store.Store
	logger   *slog.Logger
	httpSrv  *http.Server
	listener net.Listener
}

func NewServer(cfg config.Config, orch *orchestrator.Orchestrator, st *store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:    cfg,
		orch:   orch,
		store:  st,
		logger: logger,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/threads", s.threadsHandler)
	mux.HandleFunc("/v1/threads/", s.threadByIDHandler)
	mux.HandleFunc("/v1/escalations", s.escalationsHandler)
	mux.HandleFunc("/v1/escalations/", s.escalationByIDHandler)
	mux.HandleFunc("/v1/campaigns", s.campaignsHandler)
	mux.HandleFunc("/v1/campaigns/", s.campaignByIDHandler)
	return s
}

// Start listens on the configured unix socket and blocks until ctx is
// cancelled. The stalled-thread sweep runs alongside the listener.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	go s.sweepLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("dealgated listening", "socket", s.cfg.SocketPath)
	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.SweepInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			stalled, err := s.orch.SweepStalled(ctx, now.UTC())
			if err != nil {
				s.logger.Warn("stalled sweep failed", "err", err)
				continue
			}
			if stalled > 0 {
				s.logger.Info("threads stalled", "count", stalled)
			}
		}
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) threadsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
		return
	}
	var req api.CreateThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	if strings.TrimSpace(req.CounterpartName) == "" || len(req.ReachSamples) == 0 {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "counterpart_name and reach_samples are required")
		return
	}
	platform := model.Platform(req.Platform)
	switch platform {
	case model.PlatformShortVideo, model.PlatformPhotoFeed, model.PlatformLongVideo:
	default:
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "platform must be short_video, photo_feed, or long_video")
		return
	}
	th, err := s.orch.CreateThread(r.Context(), model.NegotiationThread{
		CounterpartName: strings.TrimSpace(req.CounterpartName),
		Platform:        platform,
		Deliverable:     strings.TrimSpace(req.Deliverable),
		CampaignID:      req.CampaignID,
		EngagementRate:  req.EngagementRate,
		ReachSamples:    req.ReachSamples,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to create thread")
		return
	}
	s.writeJSON(w, http.StatusCreated, api.ThreadEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Thread:        threadResponse(th),
	})
}

func (s *Server) threadByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/threads/")
	parts := strings.Split(rest, "/")
	threadID := parts[0]
	if threadID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "thread_id is required")
		return
	}
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.getThread(w, r, threadID)
	case len(parts) == 2 && parts[1] == "reply" && r.Method == http.MethodPost:
		s.handleReply(w, r, threadID)
	case len(parts) == 2 && parts[1] == "dispatched" && r.Method == http.MethodPost:
		s.markDispatched(w, r, threadID)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "thread route not found")
	}
}

func (s *Server) getThread(w http.ResponseWriter, r *http.Request, threadID string) {
	th, err := s.store.LoadThread(r.Context(), threadID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "thread not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to load thread")
		return
	}
	s.writeJSON(w, http.StatusOK, api.ThreadEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Thread:        threadResponse(th),
	})
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request, threadID string) {
	var req api.ReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	if strings.TrimSpace(req.MessageText) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "message_text is required")
		return
	}
	s.logger.Debug("inbound reply", "thread_id", threadID, "excerpt", excerpt(security.RedactMessage(req.MessageText)))

	decision, err := s.orch.HandleReply(r.Context(), threadID, req.MessageText)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "thread not found")
		return
	}
	if errors.Is(err, orchestrator.ErrThreadTerminal) {
		s.writeError(w, http.StatusConflict, model.ErrThreadTerminal, "thread is closed")
		return
	}
	var invalid *lifecycle.InvalidTransitionError
	if errors.As(err, &invalid) {
		s.writeError(w, http.StatusConflict, model.ErrInvalidTransition, invalid.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusConflict, model.ErrPreconditionFailed, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.DecisionEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Decision:      decisionResponse(decision),
	})
}

func (s *Server) markDispatched(w http.ResponseWriter, r *http.Request, threadID string) {
	err := s.orch.MarkDispatched(r.Context(), threadID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "thread not found")
		return
	}
	var invalid *lifecycle.InvalidTransitionError
	if errors.As(err, &invalid) {
		s.writeError(w, http.StatusConflict, model.ErrInvalidTransition, invalid.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to mark dispatched")
		return
	}
	s.writeJSON(w, http.StatusOK, api.StatusEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "dispatched",
	})
}

func (s *Server) escalationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
		return
	}
	recs, err := s.store.ListOpenEscalations(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to list escalations")
		return
	}
	out := make([]api.EscalationResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, escalationResponse(rec))
	}
	s.writeJSON(w, http.StatusOK, api.EscalationsEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Escalations:   out,
	})
}

func (s *Server) escalationByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/escalations/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "resolve" || r.Method != http.MethodPost {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "escalation route not found")
		return
	}
	var req api.ResolveEscalationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	decision, err := s.orch.ResolveEscalation(r.Context(), parts[0], req.Approve)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "escalation not found")
		return
	}
	var invalid *lifecycle.InvalidTransitionError
	if errors.As(err, &invalid) {
		s.writeError(w, http.StatusConflict, model.ErrInvalidTransition, invalid.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to resolve escalation")
		return
	}
	s.writeJSON(w, http.StatusOK, api.DecisionEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Decision:      decisionResponse(decision),
	})
}

func (s *Server) campaignsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
		return
	}
	var req api.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	floor, err := decimal.NewFromString(req.FloorCPM)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "floor_cpm must be a decimal")
		return
	}
	ceiling, err := decimal.NewFromString(req.CeilingCPM)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "ceiling_cpm must be a decimal")
		return
	}
	if err := s.orch.RegisterCampaign(r.Context(), model.CampaignFlexibilityState{
		CampaignID:    strings.TrimSpace(req.CampaignID),
		FloorCPM:      floor,
		CeilingCPM:    ceiling,
		ExpectedCount: req.ExpectedCount,
	}); err != nil {
		if errors.Is(err, config.ErrConfiguration) {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to register campaign")
		return
	}
	s.writeJSON(w, http.StatusCreated, api.StatusEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "registered",
	})
}

func (s *Server) campaignByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/campaigns/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "deals" || r.Method != http.MethodPost {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "campaign route not found")
		return
	}
	var req api.RecordDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	price, err := decimal.NewFromString(req.PriceCPM)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "price_cpm must be a decimal")
		return
	}
	if err := s.orch.RecordClosedDeal(r.Context(), parts[0], price, req.Engagement); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "campaign not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to record deal")
		return
	}
	s.writeJSON(w, http.StatusCreated, api.StatusEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "recorded",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error:         api.APIError{Code: code, Message: msg},
	})
}

func threadResponse(th model.NegotiationThread) api.ThreadResponse {
	resp := api.ThreadResponse{
		ThreadID:        th.ThreadID,
		CounterpartName: th.CounterpartName,
		Platform:        string(th.Platform),
		Deliverable:     th.Deliverable,
		CampaignID:      th.CampaignID,
		Round:           th.Round,
		State:           string(th.State),
		EngagementRate:  th.EngagementRate,
		UpdatedAt:       th.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if th.LastCounter != nil {
		v := th.LastCounter.String()
		resp.LastCounter = &v
	}
	if th.LastReplyAt != nil {
		v := th.LastReplyAt.UTC().Format(time.RFC3339Nano)
		resp.LastReplyAt = &v
	}
	return resp
}

func decisionResponse(d orchestrator.Decision) api.DecisionResponse {
	resp := api.DecisionResponse{
		Action:      string(d.Action),
		State:       string(d.State),
		MessageBody: d.MessageBody,
	}
	if d.FinalPrice != nil {
		v := d.FinalPrice.String()
		resp.FinalPrice = &v
	}
	if d.Escalation != nil {
		resp.EscalationID = d.Escalation.EscalationID
		esc := escalationResponse(*d.Escalation)
		resp.Escalation = &esc
	}
	return resp
}

func escalationResponse(rec model.EscalationRecord) api.EscalationResponse {
	resp := api.EscalationResponse{
		EscalationID: rec.EscalationID,
		ThreadID:     rec.ThreadID,
		CampaignID:   rec.CampaignID,
		Counterpart:  rec.Counterpart,
		ReasonCode:   rec.ReasonCode,
		Draft:        rec.Draft,
		Failures:     rec.Failures,
		CreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	for _, pair := range []struct {
		src *decimal.Decimal
		dst **string
	}{{rec.ProposedCPM, &resp.ProposedCPM}, {rec.FloorCPM, &resp.FloorCPM}, {rec.CeilingCPM, &resp.CeilingCPM}, {rec.Price, &resp.Price}} {
		if pair.src == nil {
			continue
		}
		v := pair.src.String()
		*pair.dst = &v
	}
	return resp
}

func excerpt(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > 120 {
		return text[:120] + "…"
	}
	return text
}
