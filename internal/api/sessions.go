package api

import (
	"net/http"
	"strconv"

	"surveybot/internal/model"

	"github.com/go-chi/chi/v5"
)

func (d Dependencies) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	sessions, err := d.Store.ListSessions(r.Context(), r.URL.Query().Get("userId"), limit, offset)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (d Dependencies) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := d.Sessions.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (d Dependencies) listChecks(w http.ResponseWriter, r *http.Request) {
	var status *model.CallStatus
	switch s := model.CallStatus(r.URL.Query().Get("status")); s {
	case "":
	case model.CallPending, model.CallSuccess, model.CallFailed:
		status = &s
	default:
		WriteError(w, http.StatusBadRequest, "invalid_status", "status must be PENDING, SUCCESS or FAILED", d.Log)
		return
	}

	limit, offset := pagination(r, 50)
	calls, err := d.Store.ListCalls(r.Context(), status, limit, offset)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	if calls == nil {
		calls = []model.ExternalCheckCall{}
	}
	writeJSON(w, http.StatusOK, calls)
}

func (d Dependencies) getCheck(w http.ResponseWriter, r *http.Request) {
	call, err := d.Store.GetCall(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// retryCheck moves a failed call back to pending and dispatches it again
func (d Dependencies) retryCheck(w http.ResponseWriter, r *http.Request) {
	call, err := d.Invoker.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusAccepted, call)
}

func (d Dependencies) getConversation(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 200
	}
	entries, err := d.Store.ListLedger(r.Context(), chi.URLParam(r, "userId"), limit)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
