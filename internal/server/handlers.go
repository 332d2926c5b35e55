package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rjsadow/waitline/internal/apperr"
	"github.com/rjsadow/waitline/internal/auth"
	"github.com/rjsadow/waitline/internal/coordinator"
	"github.com/rjsadow/waitline/internal/router"
	"github.com/rjsadow/waitline/internal/store"
)

// handlers binds HTTP handler methods to an App's dependencies, exactly as
// the teacher's handlers struct binds to its own App.
type handlers struct {
	app *App
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr translates any error into the {"error": code} shape from §7,
// defaulting unrecognized errors to a 500 storage_error.
func writeErr(w http.ResponseWriter, err error) {
	if appErr, ok := apperr.As(err); ok {
		writeJSON(w, appErr.Status(), map[string]string{"error": appErr.Code()})
		return
	}
	slog.Error("server: unhandled error", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": string(apperr.KindStorageError)})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return apperr.New(apperr.KindInvalidInput, "missing request body")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.New(apperr.KindInvalidInput, "malformed JSON body")
	}
	return nil
}

// --- queue resolution & auth helpers ---

// resolveQueue resolves a path's short code to its queue: the directory's
// cache answers shortCode->sessionId, then the session is always read
// fresh from the durable store by primary key so status/version are never
// served stale even when the code mapping is.
func (h *handlers) resolveQueue(r *http.Request) (*store.Queue, error) {
	code := router.CanonicalizeShortCode(r.PathValue("code"))

	sessionID, err := h.resolveSessionID(code)
	if err != nil {
		return nil, apperr.New(apperr.KindStorageError, err.Error())
	}
	if sessionID == "" {
		return nil, apperr.ErrNotFound
	}

	q, err := h.app.DB.GetQueue(sessionID)
	if err != nil {
		return nil, apperr.New(apperr.KindStorageError, err.Error())
	}
	if q == nil {
		return nil, apperr.ErrNotFound
	}
	return q, nil
}

func (h *handlers) resolveSessionID(code string) (string, error) {
	if h.app.Directory == nil {
		q, err := h.app.DB.GetQueueByShortCode(code)
		if err != nil || q == nil {
			return "", err
		}
		return q.SessionID, nil
	}
	return h.app.Directory.Resolve(h.app.DB, code)
}

// currentUser validates the session token on the request, if any; a
// missing or invalid token is not itself an error — callers decide
// whether authentication was required.
func (h *handlers) currentUser(r *http.Request) *store.User {
	user, err := h.app.Sessions.Validate(auth.ExtractSessionToken(r))
	if err != nil || user == nil {
		return nil
	}
	return user
}

// partyToken mints the HMAC identity token for a newly-joined party, using
// the same generic sessionId/secret HMAC mechanism as the host cookie
// (auth.GenerateHostToken is not specific to queue ids).
func (h *handlers) partyToken(partyID string) string {
	return auth.GenerateHostToken(partyID, h.app.Config.HostAuthSecret)
}

func (h *handlers) verifyPartyToken(partyID, token string) bool {
	return auth.VerifyHostToken(token, partyID, h.app.Config.HostAuthSecret)
}

// isHostOrOwner authorizes host-only actions: either the host cookie/header
// matches the queue's sessionId, or a valid user session owns the queue.
func (h *handlers) isHostOrOwner(r *http.Request, q *store.Queue) bool {
	if auth.IsHostAuthorized(r, q.SessionID, h.app.Config.HostAuthSecret) {
		return true
	}
	if user := h.currentUser(r); user != nil && q.OwnerID != "" && user.ID == q.OwnerID {
		return true
	}
	return false
}

// rateLimited wraps next with the router's per-IP limiter, when configured.
func (h *handlers) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.app.RateLimit != nil && !h.app.RateLimit.Allow(router.ClientIP(r)) {
			writeErr(w, apperr.ErrBusy)
			return
		}
		next(w, r)
	}
}

func (h *handlers) verifyCaptcha(r *http.Request, token string) error {
	if h.app.Captcha == nil {
		return nil
	}
	ok, err := h.app.Captcha.Verify(r.Context(), token, router.ClientIP(r))
	if err != nil {
		return apperr.New(apperr.KindUpstreamError, "captcha verifier unreachable")
	}
	if !ok {
		return apperr.New(apperr.KindCaptchaFailed, "captcha verification failed")
	}
	return nil
}

// --- health endpoints ---

func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]any{}
	ready := true
	if err := h.app.DB.Ping(); err != nil {
		ready = false
		checks["database"] = map[string]string{"status": "unhealthy", "error": err.Error()}
	} else {
		checks["database"] = map[string]string{"status": "healthy"}
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
		checks["status"] = "not_ready"
	} else {
		checks["status"] = "ready"
	}
	writeJSON(w, status, checks)
}

// --- queue lifecycle ---

var hhmmPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

type createQueueRequest struct {
	EventName    string `json:"eventName"`
	MaxGuests    int    `json:"maxGuests"`
	Location     string `json:"location"`
	ContactInfo  string `json:"contactInfo"`
	OpenTime     string `json:"openTime"`
	CloseTime    string `json:"closeTime"`
	RequiresAuth bool   `json:"requiresAuth"`
	CaptchaToken string `json:"captchaToken"`
}

func (h *handlers) handleQueueCreate(w http.ResponseWriter, r *http.Request) {
	var req createQueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.verifyCaptcha(r, req.CaptchaToken); err != nil {
		writeErr(w, err)
		return
	}
	if err := validateCreateRequest(req); err != nil {
		writeErr(w, err)
		return
	}

	code, err := router.GenerateShortCode(h.app.DB)
	if err != nil {
		writeErr(w, apperr.New(apperr.KindStorageError, err.Error()))
		return
	}

	var ownerID string
	if user := h.currentUser(r); user != nil {
		ownerID = user.ID
	}

	sessionID := auth.NewUserID()
	q := &store.Queue{
		SessionID:    sessionID,
		ShortCode:    code,
		Status:       store.QueueActive,
		EventName:    req.EventName,
		MaxGuests:    req.MaxGuests,
		Location:     req.Location,
		ContactInfo:  req.ContactInfo,
		OpenTime:     req.OpenTime,
		CloseTime:    req.CloseTime,
		CreatedAt:    time.Now(),
		OwnerID:      ownerID,
		RequiresAuth: req.RequiresAuth,
		Version:      1,
	}
	if err := h.app.DB.CreateQueue(q); err != nil {
		writeErr(w, apperr.New(apperr.KindStorageError, err.Error()))
		return
	}
	if _, err := h.app.Registry.GetOrCreate(sessionID); err != nil {
		writeErr(w, err)
		return
	}

	auth.SetHostCookie(w, sessionID, h.app.Config.HostAuthSecret)
	writeJSON(w, http.StatusCreated, map[string]any{
		"code":          code,
		"sessionId":     sessionID,
		"joinUrl":       h.joinURL(code),
		"wsUrl":         h.wsURL(code),
		"hostAuthToken": auth.GenerateHostToken(sessionID, h.app.Config.HostAuthSecret),
		"eventName":     q.EventName,
		"maxGuests":     q.MaxGuests,
		"status":        q.Status,
	})
}

func validateCreateRequest(req createQueueRequest) error {
	if req.MaxGuests < 1 || req.MaxGuests > 100 {
		return apperr.New(apperr.KindInvalidInput, "maxGuests must be between 1 and 100")
	}
	if req.OpenTime != "" && !hhmmPattern.MatchString(req.OpenTime) {
		return apperr.New(apperr.KindInvalidInput, "openTime must be HH:MM")
	}
	if req.CloseTime != "" && !hhmmPattern.MatchString(req.CloseTime) {
		return apperr.New(apperr.KindInvalidInput, "closeTime must be HH:MM")
	}
	if req.OpenTime != "" && req.CloseTime != "" && req.OpenTime >= req.CloseTime {
		return apperr.New(apperr.KindInvalidInput, "openTime must be before closeTime")
	}
	return nil
}

func (h *handlers) joinURL(code string) string {
	return strings.TrimSuffix(h.app.Config.AppBaseURL, "/") + "/queue/" + code
}

func (h *handlers) wsURL(code string) string {
	base := h.app.Config.AppBaseURL
	scheme := "ws"
	if strings.HasPrefix(base, "https://") {
		scheme = "wss"
	}
	host := strings.TrimPrefix(strings.TrimPrefix(base, "https://"), "http://")
	return fmt.Sprintf("%s://%s/api/queue/%s/connect", scheme, strings.TrimSuffix(host, "/"), code)
}

type joinRequest struct {
	Name         string `json:"name"`
	Size         int    `json:"size"`
	CaptchaToken string `json:"captchaToken"`
}

func (h *handlers) handleJoin(w http.ResponseWriter, r *http.Request) {
	q, err := h.resolveQueue(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.verifyCaptcha(r, req.CaptchaToken); err != nil {
		writeErr(w, err)
		return
	}
	if req.Size == 0 {
		req.Size = 1
	}

	var identityKey string
	if user := h.currentUser(r); user != nil {
		identityKey = user.ID
	} else if q.RequiresAuth {
		writeErr(w, apperr.New(apperr.KindUnauthenticated, "this queue requires an authenticated session to join"))
		return
	}

	c, err := h.app.Registry.GetOrCreate(q.SessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	snap, err := c.Join(r.Context(), coordinator.JoinInput{Name: req.Name, Size: req.Size, IdentityKey: identityKey})
	if err != nil {
		writeErr(w, err)
		return
	}

	party, err := h.app.DB.FindActivePartyByIdentity(q.SessionID, identityKey)
	var partyID, token string
	if identityKey != "" && err == nil && party != nil {
		partyID, token = party.ID, h.partyToken(party.ID)
	} else if len(snap.Waiting) > 0 {
		// No identity to key off of: the party we just created is the
		// most-recently-joined entry in the waiting list.
		last := snap.Waiting[len(snap.Waiting)-1]
		partyID, token = last.ID, h.partyToken(last.ID)
	}

	if h.app.Analytics != nil && partyID != "" {
		h.app.Analytics.Mark(q.SessionID, partyID, "join_completed")
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"partyId":    partyID,
		"partyToken": token,
		"snapshot":   snap,
	})
}

type partyActionRequest struct {
	PartyID    string `json:"partyId"`
	PartyToken string `json:"partyToken"`
}

func (h *handlers) handleDeclareNearby(w http.ResponseWriter, r *http.Request) {
	q, err := h.resolveQueue(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req partyActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if !h.verifyPartyToken(req.PartyID, req.PartyToken) {
		writeErr(w, apperr.New(apperr.KindForbidden, "invalid party identity"))
		return
	}
	c, err := h.app.Registry.GetOrCreate(q.SessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	snap, err := c.DeclareNearby(r.Context(), req.PartyID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) handleLeave(w http.ResponseWriter, r *http.Request) {
	q, err := h.resolveQueue(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req partyActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if !h.verifyPartyToken(req.PartyID, req.PartyToken) {
		writeErr(w, apperr.New(apperr.KindForbidden, "invalid party identity"))
		return
	}
	c, err := h.app.Registry.GetOrCreate(q.SessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	snap, err := c.Leave(r.Context(), req.PartyID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type advanceRequest struct {
	ServedParty string `json:"servedParty"`
	NextParty   string `json:"nextParty"`
}

func (h *handlers) handleAdvance(w http.ResponseWriter, r *http.Request) {
	q, err := h.resolveQueue(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !h.isHostOrOwner(r, q) {
		writeErr(w, apperr.New(apperr.KindForbidden, "host authorization required"))
		return
	}
	var req advanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	c, err := h.app.Registry.GetOrCreate(q.SessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	snap, err := c.Advance(r.Context(), coordinator.AdvanceInput{ServedParty: req.ServedParty, NextParty: req.NextParty})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type kickRequest struct {
	PartyID string `json:"partyId"`
}

func (h *handlers) handleKick(w http.ResponseWriter, r *http.Request) {
	q, err := h.resolveQueue(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !h.isHostOrOwner(r, q) {
		writeErr(w, apperr.New(apperr.KindForbidden, "host authorization required"))
		return
	}
	var req kickRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	c, err := h.app.Registry.GetOrCreate(q.SessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	snap, err := c.Kick(r.Context(), req.PartyID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) handleClose(w http.ResponseWriter, r *http.Request) {
	q, err := h.resolveQueue(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !h.isHostOrOwner(r, q) {
		writeErr(w, apperr.New(apperr.KindForbidden, "host authorization required"))
		return
	}
	c, err := h.app.Registry.GetOrCreate(q.SessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	snap, err := c.Close(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if h.app.Directory != nil {
		h.app.Directory.Invalidate(q.ShortCode)
	}

	if h.app.Archiver != nil {
		sessionID := q.SessionID
		go func() {
			if _, err := h.app.Archiver.ExportQueue(r.Context(), sessionID); err != nil {
				slog.Error("server: archive export failed", "sessionId", sessionID, "error", err)
			}
		}()
	}

	writeJSON(w, http.StatusOK, snap)
}

// isPartyOrHost authorizes read-only access to a queue's live state: either
// host authority, or a party identity token for any party in the queue.
func (h *handlers) isPartyOrHost(r *http.Request, q *store.Queue) bool {
	if h.isHostOrOwner(r, q) {
		return true
	}
	partyID := r.URL.Query().Get("partyId")
	token := r.URL.Query().Get("partyToken")
	return partyID != "" && h.verifyPartyToken(partyID, token)
}

func (h *handlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	q, err := h.resolveQueue(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !h.isPartyOrHost(r, q) {
		writeErr(w, apperr.New(apperr.KindForbidden, "host or party identity required"))
		return
	}
	c, err := h.app.Registry.GetOrCreate(q.SessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	snap := c.Current()
	etag := fmt.Sprintf(`"%d"`, snap.Version)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) handleConnect(w http.ResponseWriter, r *http.Request) {
	q, err := h.resolveQueue(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !h.isPartyOrHost(r, q) {
		writeErr(w, apperr.New(apperr.KindForbidden, "host or party identity required"))
		return
	}
	h.app.Stream.ServeHTTP(w, r, q.SessionID)
}

func (h *handlers) handleQueueRedirect(w http.ResponseWriter, r *http.Request) {
	code := router.CanonicalizeShortCode(r.PathValue("code"))
	dest := strings.TrimSuffix(h.app.Config.AppBaseURL, "/") + "/?code=" + code
	http.Redirect(w, r, dest, http.StatusFound)
}

// --- push ---

func (h *handlers) handlePushVAPID(w http.ResponseWriter, r *http.Request) {
	if h.app.VAPIDKeys == nil {
		writeErr(w, apperr.New(apperr.KindNotFound, "push is not configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": h.app.VAPIDKeys.Public})
}

type pushSubscribeRequest struct {
	Endpoint   string `json:"endpoint"`
	P256dh     string `json:"p256dh"`
	Auth       string `json:"auth"`
	PartyID    string `json:"partyId"`
	PartyToken string `json:"partyToken"`
}

func (h *handlers) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	var req pushSubscribeRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if !h.verifyPartyToken(req.PartyID, req.PartyToken) {
		writeErr(w, apperr.New(apperr.KindForbidden, "invalid party identity"))
		return
	}
	party, err := h.app.DB.GetParty(req.PartyID)
	if err != nil {
		writeErr(w, apperr.New(apperr.KindStorageError, err.Error()))
		return
	}
	if party == nil {
		writeErr(w, apperr.ErrNotFound)
		return
	}

	sub := &store.PushSubscription{
		Endpoint:  req.Endpoint,
		P256dh:    req.P256dh,
		Auth:      req.Auth,
		SessionID: party.SessionID,
		PartyID:   party.ID,
	}
	if err := h.app.DB.UpsertPushSubscription(sub); err != nil {
		writeErr(w, apperr.New(apperr.KindStorageError, err.Error()))
		return
	}

	if h.app.Dispatcher != nil && (party.Status == store.PartyWaiting || party.Status == store.PartyCalled) {
		h.app.Dispatcher.SendDirect(r.Context(), party.SessionID, party.ID, "join_confirm", "You're in the queue!", false)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed"})
}

// --- auth / oauth ---

func (h *handlers) handleOAuthBegin(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	redirectURI := r.URL.Query().Get("redirect_uri")
	platform := r.URL.Query().Get("platform")
	returnTo := r.URL.Query().Get("return_to")
	if returnTo != "" && !auth.ValidReturnTo(returnTo) {
		writeErr(w, apperr.New(apperr.KindInvalidInput, "invalid return_to"))
		return
	}
	if redirectURI != "" && !auth.RedirectAllowed(redirectURI, h.app.Config.AllowedOrigins) {
		writeErr(w, apperr.New(apperr.KindInvalidInput, "redirect_uri not allowed"))
		return
	}

	authURL, err := h.app.OAuthFlow.Begin(provider, platform, redirectURI, returnTo)
	if err != nil {
		writeErr(w, apperr.New(apperr.KindInvalidInput, err.Error()))
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *handlers) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	result, err := h.app.OAuthFlow.Callback(r.Context(), provider, code, state)
	if err != nil {
		h.redirectOAuthError(w, r, err)
		return
	}

	sessionToken, err := h.app.Sessions.IssueSession(result.User.ID)
	if err != nil {
		h.redirectOAuthError(w, r, err)
		return
	}

	if result.Platform == "native" || result.Platform == "cross-origin" {
		exchangeToken, err := h.app.Sessions.IssueExchangeToken(result.User.ID)
		if err != nil {
			h.redirectOAuthError(w, r, err)
			return
		}
		dest := strings.TrimSuffix(h.app.Config.AppBaseURL, "/") + "/?exchange=" + exchangeToken
		http.Redirect(w, r, dest, http.StatusFound)
		return
	}

	auth.SetSessionCookie(w, sessionToken)
	returnTo := result.ReturnTo
	if returnTo == "" || !auth.ValidReturnTo(returnTo) {
		returnTo = "/"
	}
	http.Redirect(w, r, strings.TrimSuffix(h.app.Config.AppBaseURL, "/")+returnTo, http.StatusFound)
}

func (h *handlers) redirectOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Warn("server: oauth callback failed", "error", err)
	dest := strings.TrimSuffix(h.app.Config.AppBaseURL, "/") + "/?auth=error&error=" + err.Error()
	http.Redirect(w, r, dest, http.StatusFound)
}

type exchangeRequest struct {
	Token string `json:"token"`
}

func (h *handlers) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	sessionToken, user, err := h.app.Sessions.RedeemExchangeToken(req.Token)
	if err != nil {
		writeErr(w, apperr.New(apperr.KindUnauthenticated, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionToken": sessionToken, "user": userDTO(user)})
}

func userDTO(u *store.User) map[string]any {
	return map[string]any{"id": u.ID, "email": u.Email, "name": u.Name}
}

func (h *handlers) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	user := h.currentUser(r)
	if user == nil {
		writeErr(w, apperr.New(apperr.KindUnauthenticated, "no active session"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      user.ID,
		"email":   user.Email,
		"name":    user.Name,
		"isAdmin": h.app.Config.IsAdmin(user.Email),
	})
}

func (h *handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Sessions.Delete(auth.ExtractSessionToken(r)); err != nil {
		writeErr(w, apperr.New(apperr.KindStorageError, err.Error()))
		return
	}
	auth.ClearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}
