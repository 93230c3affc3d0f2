// File: api/server.go
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

	"votecommit/config"
	"votecommit/encryption"
	"votecommit/ledger"
	"votecommit/logger"
	"votecommit/lottery"
	"votecommit/models"
	"votecommit/service"
	"votecommit/storage"
)

type CastBallotRequest struct {
	UserID   string                 `json:"user_id"`
	Election models.ElectionContext `json:"election"`
	Answers  map[string][]string    `json:"answers"`
	Payment  *models.PaymentSummary `json:"payment,omitempty"`
}

type CastBallotResponse struct {
	Receipt         *models.Receipt `json:"receipt"`
	ReceiptText     string          `json:"receipt_text"`
	ReceiptFilename string          `json:"receipt_filename"`
}

type ValidationFailedResponse struct {
	Error  string                   `json:"error"`
	Errors service.ValidationErrors `json:"errors"`
}

type TicketResponse struct {
	UserID     string               `json:"user_id"`
	ElectionID string               `json:"election_id"`
	At         int64                `json:"at"`
	Ticket     models.LotteryTicket `json:"ticket"`
}

type LedgerStatusResponse struct {
	IsValid  bool          `json:"is_valid"`
	Length   int           `json:"length"`
	LastHash models.Digest `json:"last_hash"`
	Error    string        `json:"error,omitempty"`
}

type Server struct {
	commitments *service.CommitmentService
	deriver     *lottery.Deriver
	ledger      *ledger.Ledger
	receipts    *storage.ReceiptArchive
	metrics     *service.MetricsCollector
	logger      logger.Logger
	cfg         config.ServerConfigs
	now         func() time.Time
}

func NewServer(
	cfg config.ServerConfigs,
	commitments *service.CommitmentService,
	deriver *lottery.Deriver,
	l *ledger.Ledger,
	receipts *storage.ReceiptArchive,
	metrics *service.MetricsCollector,
	log logger.Logger,
) *Server {
	return &Server{
		commitments: commitments,
		deriver:     deriver,
		ledger:      l,
		receipts:    receipts,
		metrics:     metrics,
		logger:      log,
		cfg:         cfg,
		now:         time.Now,
	}
}

func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/api/ballots", s.handleCastBallot).Methods(http.MethodPost)
	router.HandleFunc("/api/receipts/{id}", s.handleGetReceipt).Methods(http.MethodGet)
	router.HandleFunc("/api/receipts/{id}/verify", s.handleVerifyReceipt).Methods(http.MethodGet)
	router.HandleFunc("/api/tickets", s.handleDeriveTicket).Methods(http.MethodGet)
	router.HandleFunc("/api/ledger/validate", s.handleValidateLedger).Methods(http.MethodGet)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	return cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowCredentials: true,
	}).Handler(router)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting server on %s", httpServer.Addr)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		s.logger.Infof("Server shutdown completed")
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleCastBallot(w http.ResponseWriter, r *http.Request) {
	var req CastBallotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	_, receipt, err := s.commitments.BuildWithPayment(r.Context(), req.UserID, models.Ballot{Answers: req.Answers}, req.Election, req.Payment)
	if err != nil {
		var problems service.ValidationErrors
		if errors.As(err, &problems) {
			writeJSON(w, http.StatusUnprocessableEntity, ValidationFailedResponse{
				Error:  "ballot is incomplete",
				Errors: problems,
			})
			return
		}
		var precondition *lottery.DerivationPreconditionError
		if errors.Is(err, encryption.ErrMalformedFields) || errors.As(err, &precondition) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Errorf("Failed to seal ballot: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to seal ballot")
		return
	}

	writeJSON(w, http.StatusCreated, CastBallotResponse{
		Receipt:         receipt,
		ReceiptText:     service.RenderReceipt(*receipt),
		ReceiptFilename: service.ReceiptFilename(*receipt),
	})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receiptID := mux.Vars(r)["id"]
	if s.receipts == nil {
		writeError(w, http.StatusNotFound, "receipt archive disabled")
		return
	}

	text, err := s.receipts.Load(receiptID)
	if err != nil {
		if errors.Is(err, storage.ErrReceiptNotFound) {
			writeError(w, http.StatusNotFound, "receipt not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", service.ReceiptFilename(models.Receipt{ReceiptID: receiptID})))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(text))
}

func (s *Server) handleVerifyReceipt(w http.ResponseWriter, r *http.Request) {
	result, err := s.commitments.VerifyReceipt(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "receipt not found")
			return
		}
		s.logger.Errorf("Failed to verify receipt: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to verify receipt")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeriveTicket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	at := s.now()
	if raw := query.Get("at"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be unix milliseconds")
			return
		}
		at = time.UnixMilli(ms)
	}

	userID, electionID := query.Get("user"), query.Get("election")
	ticket, err := s.deriver.Derive(userID, electionID, at)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, TicketResponse{
		UserID:     userID,
		ElectionID: electionID,
		At:         at.UnixMilli(),
		Ticket:     ticket,
	})
}

func (s *Server) handleValidateLedger(w http.ResponseWriter, r *http.Request) {
	response := LedgerStatusResponse{
		IsValid:  true,
		Length:   s.ledger.Len(),
		LastHash: s.ledger.LastHash(),
	}
	if err := s.ledger.Validate(); err != nil {
		response.IsValid = false
		response.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, response)
}
