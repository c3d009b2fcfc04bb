package ws

import (
	"context"
	"encoding/json"
	"errors"

	"surveybot/internal/model"
	"surveybot/internal/service"

	"go.uber.org/zap"
)

type SessionReader interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
}

type CheckRetrier interface {
	Retry(ctx context.Context, callID string) (*model.ExternalCheckCall, error)
}

type StatusReader interface {
	Status() model.BotStatus
}

// CommandHandler serves dashboard commands sent over the socket
type CommandHandler struct {
	sessions SessionReader
	checks   CheckRetrier
	bot      StatusReader
	log      *zap.Logger
}

func NewCommandHandler(sessions SessionReader, checks CheckRetrier, bot StatusReader, log *zap.Logger) *CommandHandler {
	return &CommandHandler{
		sessions: sessions,
		checks:   checks,
		bot:      bot,
		log:      log,
	}
}

// HandleCommand processes a {"type":"cmd","op":...,"id":...,"data":{...}} frame
func (h *CommandHandler) HandleCommand(ctx context.Context, conn *Conn, cmd map[string]interface{}) {
	op, _ := cmd["op"].(string)
	data, _ := cmd["data"].(map[string]interface{})
	msgID, _ := cmd["id"].(string)

	switch op {
	case "getSession":
		h.handleGetSession(ctx, conn, msgID, data)
	case "retryCheck":
		h.handleRetryCheck(ctx, conn, msgID, data)
	case "getBotStatus":
		h.sendResponse(conn, msgID, h.bot.Status())
	default:
		h.sendError(conn, msgID, "unknown_command", "Unknown command: "+op)
	}
}

func (h *CommandHandler) handleGetSession(ctx context.Context, conn *Conn, msgID string, data map[string]interface{}) {
	sessionID, _ := data["sessionId"].(string)
	if sessionID == "" {
		h.sendError(conn, msgID, "invalid_input", "sessionId required")
		return
	}

	session, err := h.sessions.GetSession(ctx, sessionID)
	if err != nil {
		h.sendError(conn, msgID, errorCode(err), err.Error())
		return
	}
	h.sendResponse(conn, msgID, session)
}

func (h *CommandHandler) handleRetryCheck(ctx context.Context, conn *Conn, msgID string, data map[string]interface{}) {
	callID, _ := data["callId"].(string)
	if callID == "" {
		h.sendError(conn, msgID, "invalid_input", "callId required")
		return
	}

	call, err := h.checks.Retry(ctx, callID)
	if err != nil {
		h.sendError(conn, msgID, errorCode(err), err.Error())
		return
	}
	h.sendResponse(conn, msgID, call)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrCallNotFound):
		return "not_found"
	case errors.Is(err, service.ErrCallNotRetryable), errors.Is(err, service.ErrCallInFlight),
		errors.Is(err, service.ErrCallStateChanged):
		return "conflict"
	default:
		return "internal"
	}
}

func (h *CommandHandler) sendResponse(conn *Conn, msgID string, data interface{}) {
	response := map[string]interface{}{"type": "response", "data": data}
	if msgID != "" {
		response["id"] = msgID
	}
	h.write(conn, response)
}

func (h *CommandHandler) sendError(conn *Conn, msgID, code, message string) {
	response := map[string]interface{}{
		"type":    "error",
		"code":    code,
		"message": message,
	}
	if msgID != "" {
		response["id"] = msgID
	}
	h.write(conn, response)
}

func (h *CommandHandler) write(conn *Conn, response map[string]interface{}) {
	msg, err := json.Marshal(response)
	if err != nil {
		h.log.Warn("Failed to encode command response", zap.Error(err))
		return
	}
	if !conn.hub.enqueue(conn, msg) {
		h.log.Warn("Failed to send response, channel full")
	}
}
