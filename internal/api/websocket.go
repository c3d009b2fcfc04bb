package api

import (
	"context"
	"net/http"

	"surveybot/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsHandler upgrades a dashboard connection; ?client= keeps a stable id for resume
func (d Dependencies) wsHandler(w http.ResponseWriter, r *http.Request) {
	if d.Hub == nil {
		d.Log.Error("WebSocket hub not initialized")
		http.Error(w, "WebSocket hub not initialized", http.StatusInternalServerError)
		return
	}

	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		clientID = ulid.Make().String()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Log.Error("Failed to upgrade connection", zap.Error(err))
		return
	}
	d.Log.Info("Dashboard connected", zap.String("client", clientID), zap.String("remote", r.RemoteAddr))

	wsConn := ws.NewConn(conn, d.Hub, clientID)
	d.Hub.Register(wsConn)

	go wsConn.WritePump()
	go wsConn.ReadPump(context.WithoutCancel(r.Context()))
}
