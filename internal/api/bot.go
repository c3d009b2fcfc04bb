package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"surveybot/internal/channel"

	"go.uber.org/zap"
)

func (d Dependencies) botStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Bot.Status())
}

func (d Dependencies) botStart(w http.ResponseWriter, r *http.Request) {
	if err := d.Bot.Start(context.WithoutCancel(r.Context())); err != nil {
		WriteError(w, http.StatusBadGateway, "start_failed", err.Error(), d.Log)
		return
	}
	writeJSON(w, http.StatusAccepted, d.Bot.Status())
}

func (d Dependencies) botStop(w http.ResponseWriter, r *http.Request) {
	if err := d.Bot.Stop(); err != nil {
		WriteError(w, http.StatusInternalServerError, "stop_failed", err.Error(), d.Log)
		return
	}
	writeJSON(w, http.StatusOK, d.Bot.Status())
}

// inbound accepts messages pushed by a webhook gateway
func (d Dependencies) inbound(w http.ResponseWriter, r *http.Request) {
	if !d.Bot.Status().Active() {
		WriteError(w, http.StatusServiceUnavailable, "not_ready", channel.ErrNotReady.Error(), d.Log)
		return
	}

	var msg channel.InboundMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentBytes*16)).Decode(&msg); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}
	if strings.TrimSpace(msg.From) == "" || strings.TrimSpace(msg.MessageID) == "" {
		WriteError(w, http.StatusBadRequest, "invalid_request", "messageId and from are required", d.Log)
		return
	}

	if err := d.Bot.Deliver(context.WithoutCancel(r.Context()), msg); err != nil {
		d.Log.Error("Failed to accept inbound message", zap.String("messageId", msg.MessageID), zap.Error(err))
		WriteError(w, http.StatusServiceUnavailable, "deliver_failed", err.Error(), d.Log)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"messageId": msg.MessageID, "status": "accepted"})
}
