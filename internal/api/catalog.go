package api

import (
		"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"surveybot/internal/model"
	"surveybot/internal/schema"
	"surveybot/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
)

const maxDocumentBytes = 1 << 20

// decodeDocument checks the body against the kind's schema before decoding it into v
func (d Dependencies) decodeDocument(w http.ResponseWriter, r *http.Request, kind string, v interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Failed to read request body", d.Log)
		return false
	}
	if err := d.Schemas.Validate(r.Context(), kind, body); err != nil {
		writeServiceError(w, err, d.Log)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return false
	}
	return true
}

func (d Dependencies) listQuestions(w http.ResponseWriter, r *http.Request) {
	var (
		questions []model.Question
		err       error
	)
	if r.URL.Query().Get("active") == "true" {
		questions, err = d.Catalog.Active(r.Context())
	} else {
		questions, err = d.Store.ListQuestions(r.Context())
	}
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	if questions == nil {
		questions = []model.Question{}
	}
	writeJSON(w, http.StatusOK, questions)
}

func (d Dependencies) getQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := d.Store.GetQuestion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// upsertQuestion creates or replaces a question; new questions default to active
func (d Dependencies) upsertQuestion(w http.ResponseWriter, r *http.Request) {
	q := model.Question{Active: true}
	if !d.decodeDocument(w, r, schema.KindQuestion, &q) {
		return
	}
	if err := q.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_question", err.Error(), d.Log)
		return
	}
	if q.ExternalCheck != nil {
		if _, err := d.Store.GetEndpoint(r.Context(), q.ExternalCheck.EndpointID); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_question",
				fmt.Sprintf("unknown endpoint %q", q.ExternalCheck.EndpointID), d.Log)
			return
		}
	}

	saved, err := d.Store.UpsertQuestion(r.Context(), q)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	d.catalogChanged(saved.ID, "question.saved")
	writeJSON(w, http.StatusOK, saved)
}

func (d Dependencies) deactivateQuestion(w http.ResponseWriter, r *http.Request) {
	d.setQuestionActive(w, r, false)
}

func (d Dependencies) activateQuestion(w http.ResponseWriter, r *http.Request) {
	d.setQuestionActive(w, r, true)
}

func (d Dependencies) setQuestionActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := chi.URLParam(r, "id")
	if err := d.Store.SetQuestionActive(r.Context(), id, active); err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	d.catalogChanged(id, "question.updated")
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "active": active})
}

func (d Dependencies) catalogChanged(questionID, eventType string) {
	d.Catalog.Invalidate()
	_ = d.Bus.PublishAdmin(map[string]interface{}{"type": eventType, "questionId": questionID})
}

func (d Dependencies) listEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := d.Store.ListEndpoints(r.Context())
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	if endpoints == nil {
		endpoints = []model.Endpoint{}
	}
	writeJSON(w, http.StatusOK, endpoints)
}

func (d Dependencies) upsertEndpoint(w http.ResponseWriter, r *http.Request) {
	e := model.Endpoint{Active: true}
	if !d.decodeDocument(w, r, schema.KindEndpoint, &e) {
		return
	}
	saved, err := d.Store.UpsertEndpoint(r.Context(), e)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (d Dependencies) listWelcomeMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := d.Store.ListWelcomeMessages(r.Context())
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	if messages == nil {
		messages = []model.WelcomeMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (d Dependencies) upsertWelcomeMessage(w http.ResponseWriter, r *http.Request) {
	m := model.WelcomeMessage{Active: true}
	if !d.decodeDocument(w, r, schema.KindWelcome, &m) {
		return
	}
	if _, err := service.WelcomeExpression(m.Conditions); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_welcome", err.Error(), d.Log)
		return
	}
	if strings.TrimSpace(m.ID) == "" {
		m.ID = ulid.Make().String()
	}
	saved, err := d.Store.UpsertWelcomeMessage(r.Context(), m)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
