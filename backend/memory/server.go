package memory

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/vitwit/storefront/backend"
	"github.com/vitwit/storefront/types"
)

// Handler serves the store over the storefront HTTP routes. A non-empty
// apiKey is required as a bearer token on every request.
func (s *Store) Handler(apiKey string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(backend.PathOrders, s.handleCreateOrder).Methods(http.MethodPost)
	r.HandleFunc(backend.PathOrder, s.handleGetOrder).Methods(http.MethodGet)
	r.HandleFunc(backend.PathOrderPayment, s.handleProcessPayment).Methods(http.MethodPost)
	r.HandleFunc(backend.PathOrderRetry, s.handleRetryOrder).Methods(http.MethodPost)
	r.HandleFunc(backend.PathBindings, s.handleBind).Methods(http.MethodPost)
	r.HandleFunc(backend.PathProvisioning, s.handleProvisioning).Methods(http.MethodGet)
	r.HandleFunc(backend.PathCredentials, s.handleCredentials).Methods(http.MethodGet)
	if apiKey != "" {
		r.Use(requireBearer(apiKey))
	}
	return r
}

func (s *Store) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req types.CreateOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	o, err := s.CreateOrder(r.Context(), &req)
	respond(w, http.StatusCreated, o, err)
}

func (s *Store) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.GetOrder(r.Context(), mux.Vars(r)["id"])
	respond(w, http.StatusOK, o, err)
}

func (s *Store) handleProcessPayment(w http.ResponseWriter, r *http.Request) {
	o, err := s.ProcessPayment(r.Context(), mux.Vars(r)["id"])
	respond(w, http.StatusOK, o, err)
}

func (s *Store) handleRetryOrder(w http.ResponseWriter, r *http.Request) {
	var req backend.RetryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	o, err := s.RetryOrder(r.Context(), mux.Vars(r)["id"], req.BuyerID)
	respond(w, http.StatusOK, o, err)
}

func (s *Store) handleBind(w http.ResponseWriter, r *http.Request) {
	var p types.BindingProof
	if !decodeJSON(w, r, &p) {
		return
	}
	if err := s.Bind(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Store) handleProvisioning(w http.ResponseWriter, r *http.Request) {
	ready, err := s.AccountReady(r.Context(), mux.Vars(r)["id"])
	respond(w, http.StatusOK, backend.ProvisioningStatus{Ready: ready}, err)
}

func (s *Store) handleCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.Credentials(r.Context(), mux.Vars(r)["id"])
	respond(w, http.StatusOK, creds, err)
}

func requireBearer(apiKey string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token != apiKey {
				writeJSON(w, http.StatusUnauthorized, backend.ErrorBody{Message: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, backend.ErrorBody{
			Code:    string(types.ErrCodeValidation),
			Message: "invalid request body",
		})
		return false
	}
	return true
}

func respond(w http.ResponseWriter, status int, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, v)
}

func writeError(w http.ResponseWriter, err error) {
	code := types.CodeOf(err)
	writeJSON(w, statusFor(code), backend.ErrorBody{Code: string(code), Message: err.Error()})
}

func statusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrCodeValidation:
		return http.StatusBadRequest
	case types.ErrCodeBindConflict:
		return http.StatusConflict
	case types.ErrCodeTerminal:
		return http.StatusGone
	case types.ErrCodeProcessing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
