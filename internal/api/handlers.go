package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/ledger"
	"github.com/xtrntr/papertrade/internal/market"
	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/stream"
)

// QuoteSource returns the latest snapshot of a symbol
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (models.Snapshot, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	AuthService   *auth.AuthService
	Ledger        *ledger.Ledger
	Quotes        QuoteSource
	Streams       *stream.Server
	DefaultSymbol string
	Logger        *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(authService *auth.AuthService, l *ledger.Ledger, quotes QuoteSource, streams *stream.Server, defaultSymbol string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		AuthService:   authService,
		Ledger:        l,
		Quotes:        quotes,
		Streams:       streams,
		DefaultSymbol: defaultSymbol,
		Logger:        logger,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// internalError logs err and hides it from the client
func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.Logger.Error(msg, zap.Error(err), zap.String("path", r.URL.Path))
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

// Signup handles user registration
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email           string `json:"email"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirm_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.AuthService.Signup(r.Context(), req.Email, req.Password, req.ConfirmPassword)
	if err != nil {
		var verr *auth.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Message)
			return
		}
		h.internalError(w, r, "Failed to register user", err)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

// Login accepts either a JSON body {email, password} or an OAuth2 password
// form with username and password fields.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var email, password string

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			writeError(w, http.StatusBadRequest, "Invalid form body")
			return
		}
		email, password = r.FormValue("username"), r.FormValue("password")
	default:
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		email, password = req.Email, req.Password
	}

	token, err := h.AuthService.Login(r.Context(), email, password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "Incorrect email or password")
			return
		}
		h.internalError(w, r, "Failed to log in", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   auth.TokenType,
	})
}

// GetMe returns the authenticated user
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// DeleteMe removes the authenticated user with its holdings and trades
func (h *Handler) DeleteMe(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err := h.AuthService.DeleteAccount(r.Context(), user.ID); err != nil {
		h.internalError(w, r, "Failed to delete user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Trade applies a self-reported fill to the user's holdings
func (h *Handler) Trade(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req struct {
		Symbol    string  `json:"symbol"`
		TradeType string  `json:"trade_type"`
		Quantity  int     `json:"quantity"`
		Price     float64 `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rec, err := h.Ledger.ApplyTrade(r.Context(), user.ID, ledger.TradeRequest{
		Symbol:   req.Symbol,
		Side:     req.TradeType,
		Quantity: req.Quantity,
		Price:    req.Price,
	})
	if err != nil {
		if cause, ok := ledger.ClientError(err); ok {
			writeError(w, http.StatusBadRequest, cause.Error())
			return
		}
		h.internalError(w, r, "Failed to apply trade", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": string(rec.Side) + " executed successfully",
	})
}

// Portfolio lists the user's holdings
func (h *Handler) Portfolio(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	holdings, err := h.Ledger.Portfolio(r.Context(), user.ID)
	if err != nil {
		h.internalError(w, r, "Failed to retrieve portfolio", err)
		return
	}
	if holdings == nil {
		holdings = []models.Holding{}
	}
	writeJSON(w, http.StatusOK, holdings)
}

// TradeHistory lists the user's trades, newest first
func (h *Handler) TradeHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	trades, err := h.Ledger.TradeHistory(r.Context(), user.ID)
	if err != nil {
		h.internalError(w, r, "Failed to retrieve trades", err)
		return
	}
	if trades == nil {
		trades = []models.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// Quote returns the latest tick of a symbol without advancing its walk. A
// symbol nobody has streamed yet is 404.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	symbol := models.NormalizeSymbol(chi.URLParam(r, "symbol"))
	if !models.ValidSymbol(symbol) {
		writeError(w, http.StatusBadRequest, "Invalid symbol")
		return
	}

	snap, err := h.Quotes.Quote(r.Context(), symbol)
	if errors.Is(err, market.ErrUnknownSymbol) {
		writeError(w, http.StatusNotFound, "Unknown symbol")
		return
	}
	if err != nil {
		h.internalError(w, r, "Failed to read quote", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Stream upgrades to a websocket that pushes one tick per interval. Without
// a symbol in the path the default symbol is streamed.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	symbol := h.DefaultSymbol
	if param := chi.URLParam(r, "symbol"); param != "" {
		symbol = param
	}
	symbol = models.NormalizeSymbol(symbol)
	if !models.ValidSymbol(symbol) {
		writeError(w, http.StatusBadRequest, "Invalid symbol")
		return
	}

	if err := h.Streams.Serve(w, r, symbol); err != nil && !errors.Is(err, stream.ErrShuttingDown) {
		h.Logger.Info("Stream ended with error", zap.String("symbol", symbol), zap.Error(err))
	}
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
