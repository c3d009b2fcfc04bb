package api

import (
	"net/http"

	"surveybot/internal/channel"
	"surveybot/internal/schema"
	"surveybot/internal/service"
	"surveybot/internal/ws"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Dependencies struct {
	Store    service.Store
	Catalog  *service.Catalog
	Sessions *service.SessionService
	Invoker  *service.Invoker
	Bot      *channel.Supervisor
	Hub      *ws.Hub
	Schemas  *schema.Compiler
	Bus      service.EventBus
	Log      *zap.Logger
}

func Routes(d Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(d.Log))

	r.Get("/healthz", d.health)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/questions", d.listQuestions)
		r.Post("/questions", d.upsertQuestion)
		r.Get("/questions/{id}", d.getQuestion)
		r.Post("/questions/{id}/deactivate", d.deactivateQuestion)
		r.Post("/questions/{id}/activate", d.activateQuestion)

		r.Get("/endpoints", d.listEndpoints)
		r.Post("/endpoints", d.upsertEndpoint)

		r.Get("/welcome-messages", d.listWelcomeMessages)
		r.Post("/welcome-messages", d.upsertWelcomeMessage)

		r.Get("/sessions", d.listSessions)
		r.Get("/sessions/{id}", d.getSession)

		r.Get("/checks", d.listChecks)
		r.Get("/checks/{id}", d.getCheck)
		r.Post("/checks/{id}/retry", d.retryCheck)

		r.Get("/conversations/{userId}", d.getConversation)

		r.Get("/bot/status", d.botStatus)
		r.Post("/bot/start", d.botStart)
		r.Post("/bot/stop", d.botStop)

		r.Post("/channel/inbound", d.inbound)

		r.Get("/ws", d.wsHandler)
	})

	return r
}

func (d Dependencies) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"bot":    d.Bot.Status().State,
	})
}
