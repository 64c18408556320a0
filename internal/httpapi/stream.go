package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadLimit = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the CORS allow list and the bearer token.
	CheckOrigin: func(*http.Request) bool { return true },
}

// roomMessage is what websocket clients send to manage their rooms.
type roomMessage struct {
	Action         string `json:"action"`
	OrganizationID string `json:"organizationId"`
}

// roomReply acknowledges a room message or reports why it was refused.
type roomReply struct {
	Type           string `json:"type"`
	OrganizationID string `json:"organizationId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// eventsStream serves Server-Sent Events for one organization room.
func (a *API) eventsStream(w http.ResponseWriter, r *http.Request) {
	if a.deps.Events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	id := actor(r)
	orgID := strings.TrimSpace(r.URL.Query().Get("organizationId"))
	if orgID == "" {
		orgID = id.OrgID()
	}
	if orgID == "" {
		writeError(w, r, http.StatusBadRequest, "organizationId is required")
		return
	}
	if err := a.deps.Access.AuthorizeOrganization(r.Context(), id, orgID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := a.deps.Events.Subscribe(ctx)
	sub.Join(orgID)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	ping := time.NewTicker(a.eventPing)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: " + event.Name + "\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

// eventsWebsocket upgrades the connection and lets the client join and leave
// organization rooms. Every join is checked against the caller's scope.
func (a *API) eventsWebsocket(w http.ResponseWriter, r *http.Request) {
	if a.deps.Events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	id := actor(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	sub := a.deps.Events.Subscribe(ctx)
	replies := make(chan roomReply, 8)

	go func() {
		defer cancel()
		for {
			var msg roomMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			reply := roomReply{Type: msg.Action, OrganizationID: msg.OrganizationID}
			switch msg.Action {
			case "join":
				if err := a.deps.Access.AuthorizeOrganization(ctx, id, msg.OrganizationID); err != nil {
					reply = roomReply{Type: "error", OrganizationID: msg.OrganizationID, Error: "forbidden"}
				} else {
					sub.Join(msg.OrganizationID)
					reply.Type = "joined"
				}
			case "leave":
				sub.Leave(msg.OrganizationID)
				reply.Type = "left"
			default:
				reply = roomReply{Type: "error", Error: "unknown action"}
			}
			select {
			case replies <- reply:
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(a.eventPing)
	defer ping.Stop()
	for {
		var err error
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case reply := <-replies:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err = conn.WriteJSON(reply)
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err = conn.WriteJSON(event)
		case <-ping.C:
			err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		}
		if err != nil {
			a.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}
