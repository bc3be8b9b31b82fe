package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"snipserve/pkg/domain"
	"snipserve/svc/auth"
	"snipserve/svc/svc"
	"snipserve/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

// bodyOverhead is the JSON framing allowed on top of the content limit.
const bodyOverhead = 64 * 1024

type Hdl struct {
	auth      *auth.Authenticator
	accounts  *svc.Accounts
	pastes    *svc.Pastes
	views     *svc.Views
	analytics *svc.Analytics
	maxBody   int64
}

type messageResp struct {
	Message string `json:"message"`
	APIKey  string `json:"api_key,omitempty"`
}

type apiKeyResp struct {
	APIKey string `json:"api_key"`
}

type viewCountResp struct {
	ViewCount int64 `json:"view_count"`
}

type credentialsReq struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	InviteCode string `json:"invite_code"`
}

type pasteReq struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
	Hidden  *bool   `json:"hidden"`
}

type adminUserReq struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
	IsAdmin  *bool   `json:"is_admin"`
}

func (h *Hdl) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsReq
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.accounts.Register(r.Context(), svc.RegisterInput{
		Username:   req.Username,
		Password:   req.Password,
		InviteCode: req.InviteCode,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInvite) {
			hlog.FromRequest(r).Warn().Str("ip", util.RedactIP(ClientIP(r))).Msg("registration with bad invite code")
		}
		WriteErr(w, r, err)
		return
	}
	if err := h.auth.StartSession(w, r, u.ID); err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResp{Message: "registration successful", APIKey: u.APIKey})
}

func (h *Hdl) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsReq
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	if err := h.auth.StartSession(w, r, u.ID); err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResp{Message: "login successful", APIKey: u.APIKey})
}

func (h *Hdl) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.EndSession(w, r); err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResp{Message: "logout successful"})
}

func (h *Hdl) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, auth.FromContext(r.Context()))
}

func (h *Hdl) MyPastes(w http.ResponseWriter, r *http.Request) {
	list, err := h.pastes.ListMine(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (h *Hdl) GetAPIKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiKeyResp{APIKey: auth.FromContext(r.Context()).APIKey})
}

func (h *Hdl) RotateAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.accounts.RotateAPIKey(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiKeyResp{APIKey: key})
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	var req pasteReq
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.pastes.Create(r.Context(), auth.FromContext(r.Context()), svc.PasteInput(req))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("paste_id", p.PublicID).Bool("hidden", p.Hidden).Msg("paste created")
	writeJSON(w, http.StatusCreated, p)
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	p, err := h.pastes.Get(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Hdl) UpdatePaste(w http.ResponseWriter, r *http.Request) {
	var req pasteReq
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.pastes.Update(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "id"), svc.PasteInput(req))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	if err := h.pastes.Delete(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResp{Message: "paste deleted successfully"})
}

func (h *Hdl) RecordView(w http.ResponseWriter, r *http.Request) {
	res, err := h.views.Record(r.Context(), chi.URLParam(r, "id"), auth.FromContext(r.Context()), ClientIP(r))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewCountResp{ViewCount: res.ViewCount})
}

func (h *Hdl) ViewCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.views.Count(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewCountResp{ViewCount: n})
}

func (h *Hdl) AdminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.accounts.ListUsers(r.Context())
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(users))
}

func (h *Hdl) AdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req adminUserReq
	if !h.decode(w, r, &req) {
		return
	}
	in := svc.AdminCreateInput{IsAdmin: req.IsAdmin != nil && *req.IsAdmin}
	if req.Username != nil {
		in.Username = *req.Username
	}
	if req.Password != nil {
		in.Password = *req.Password
	}
	u, err := h.accounts.CreateUser(r.Context(), in)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("username", u.Username).Bool("is_admin", u.IsAdmin).Msg("user created by admin")
	writeJSON(w, http.StatusCreated, u)
}

func (h *Hdl) AdminGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.accounts.GetUser(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Hdl) AdminUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req adminUserReq
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.accounts.UpdateUser(r.Context(), chi.URLParam(r, "username"), svc.UserUpdate(req))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Hdl) AdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts.DeleteUser(r.Context(), chi.URLParam(r, "username")); err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResp{Message: "user deleted successfully"})
}

func (h *Hdl) AdminListPastes(w http.ResponseWriter, r *http.Request) {
	list, err := h.pastes.ListAll(r.Context())
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (h *Hdl) AnalyticsAll(w http.ResponseWriter, r *http.Request) {
	all, err := h.analytics.ForAll(r.Context())
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(all))
}

func (h *Hdl) AnalyticsPaste(w http.ResponseWriter, r *http.Request) {
	s, err := h.analytics.ForPaste(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// decode reads a JSON object body into v, writing a 400 on any failure.
func (h *Hdl) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	log := hlog.FromRequest(r)
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		log.Warn().Str("content_type", r.Header.Get("Content-Type")).Msg("invalid Content-Type header")
		WriteErr(w, r, domain.ErrInvalidInput)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			WriteErr(w, r, domain.ErrPasteTooLarge)
		case err == io.EOF:
			log.Warn().Msg("empty request body")
			WriteErr(w, r, domain.ErrInvalidInput)
		default:
			log.Warn().Err(err).Msg("invalid request body")
			WriteErr(w, r, domain.ErrInvalidInput)
		}
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		util.Warn().Err(err).Msg("write response")
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// WriteErr renders err in the common error body. 5xx details are logged, never sent.
func WriteErr(w http.ResponseWriter, r *http.Request, err error) {
	requestID := util.GetRequestID(r.Context())
	status := domain.Status(err)
	resp := domain.ToResp(err)
	resp.RequestID = requestID
	if status >= http.StatusInternalServerError {
		resp.Error = "internal server error"
		hlog.FromRequest(r).Error().
			Err(err).
			Str("request_id", requestID).
			Str("path", r.URL.Path).
			Msg("internal error")
	}
	writeJSON(w, status, resp)
}
