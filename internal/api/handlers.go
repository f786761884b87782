package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"veranda/internal/identity"
	"veranda/internal/models"
	"veranda/internal/msglog"
	"veranda/internal/notify"
	"veranda/internal/registry"
)

// API serves the management endpoints around the websocket: principal
// registration, thread setup and push subscriptions.
type API struct {
	ids         *identity.Service
	store       *msglog.BboltLog
	reg         *registry.Registry
	push        *notify.WebPushDirectory
	adminSecret string
	log         *slog.Logger
}

// New wires the handlers. push may be nil when web push is not configured.
func New(ids *identity.Service, store *msglog.BboltLog, reg *registry.Registry, push *notify.WebPushDirectory, adminSecret string, log *slog.Logger) *API {
	return &API{
		ids:         ids,
		store:       store,
		reg:         reg,
		push:        push,
		adminSecret: adminSecret,
		log:         log,
	}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return token
}

// RequireAuth resolves the bearer token and passes the principal id down.
func (a *API) RequireAuth(next func(w http.ResponseWriter, r *http.Request, principalID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principalID, err := a.ids.Resolve(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, principalID)
	}
}

// RequireAdmin gates operator-only endpoints behind the shared secret.
func (a *API) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("admin-secret")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.adminSecret)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// RegisterPrincipalHandler registers (or re-registers) a principal and
// issues a fresh token for it.
func (a *API) RegisterPrincipalHandler(w http.ResponseWriter, r *http.Request) {
	var req identity.Principal
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	a.ids.Register(req)
	token, err := a.ids.Issue(req.ID)
	if err != nil {
		a.log.Error("failed to issue token", "principal", req.ID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, map[string]string{"token": token})
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request, principalID string) {
	p, err := a.ids.Principal(principalID)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	a.writeJSON(w, p)
}

func (a *API) CreateThreadHandler(w http.ResponseWriter, r *http.Request, principalID string) {
	var req struct {
		Kind    models.ThreadKind `json:"kind"`
		Name    string            `json:"name"`
		Members []string          `json:"members"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !slices.Contains(req.Members, principalID) {
		req.Members = append(req.Members, principalID)
	}

	thread, err := a.store.CreateThread(r.Context(), req.Kind, req.Name, req.Members)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.writeJSON(w, thread)
}

func (a *API) ThreadHandler(w http.ResponseWriter, r *http.Request, principalID string) {
	thread, ok := a.memberThread(w, r, principalID)
	if !ok {
		return
	}

	a.writeJSON(w, struct {
		models.Thread
		Title  string   `json:"title"`
		Online []string `json:"online"`
	}{
		Thread: thread,
		Title:  thread.Title(principalID),
		Online: a.reg.ListOnline(thread.ID),
	})
}

func (a *API) ThreadMessagesHandler(w http.ResponseWriter, r *http.Request, principalID string) {
	thread, ok := a.memberThread(w, r, principalID)
	if !ok {
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		var err error
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	msgs, err := a.store.LastPage(r.Context(), thread.ID, limit)
	if err != nil {
		a.log.Error("failed to read messages", "thread", thread.ID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, msgs)
}

// PushSubscribeHandler stores the caller's browser push subscription. The
// body is the subscription object from the Push API, verbatim.
func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request, principalID string) {
	if a.push == nil {
		http.Error(w, "push notifications are not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 16*1024))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.push.Subscribe(principalID, body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) PushUnsubscribeHandler(w http.ResponseWriter, r *http.Request, principalID string) {
	if a.push != nil {
		a.push.Unsubscribe(principalID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// memberThread loads the thread from the path and enforces membership.
func (a *API) memberThread(w http.ResponseWriter, r *http.Request, principalID string) (models.Thread, bool) {
	thread, err := a.store.Thread(r.Context(), r.PathValue("id"))
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "thread not found", http.StatusNotFound)
		return models.Thread{}, false
	}
	if err != nil {
		a.log.Error("failed to read thread", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return models.Thread{}, false
	}
	if !thread.HasMember(principalID) {
		http.Error(w, "not a member", http.StatusForbidden)
		return models.Thread{}, false
	}
	return thread, true
}

func (a *API) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("failed to encode response", "error", err)
	}
}
