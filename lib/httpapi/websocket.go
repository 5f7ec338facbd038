// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ngocp-0847/explain-source/lib/analysis"
	"github.com/ngocp-0847/explain-source/lib/broadcast"
	analysisschema "github.com/ngocp-0847/explain-source/lib/schema/analysis"
	"github.com/ngocp-0847/explain-source/lib/schema/ticket"
)

// Keepalive defaults for the live channel.
const (
	DefaultPingPeriod = 54 * time.Second
	DefaultPongWait   = 60 * time.Second
	DefaultWriteWait  = 10 * time.Second
)

// maxClientMessage bounds one client frame. Code context is the
// largest field.
const maxClientMessage = 1 << 20

// WebSocketConfig tunes the live channel keepalive. PingPeriod must
// be shorter than PongWait.
type WebSocketConfig struct {
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.PingPeriod <= 0 {
		c.PingPeriod = DefaultPingPeriod
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	return c
}

// Client request types.
const (
	requestStartAnalysis = "start-code-analysis"
	requestStopAnalysis  = "stop-code-analysis"
	requestPing          = "ping"
)

type clientMessage struct {
	Type        string `json:"type"`
	TicketID    string `json:"ticketId"`
	ProjectID   string `json:"projectId"`
	Mode        string `json:"mode"`
	Question    string `json:"question"`
	CodeContext string `json:"codeContext"`
}

type errorMessage struct {
	Kind     string `json:"message_type"`
	TicketID string `json:"ticket_id,omitempty"`
	Error    string `json:"error"`
}

type pongMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type stoppedReply struct {
	Kind     string `json:"message_type"`
	TicketID string `json:"ticket_id"`
	Stopped  bool   `json:"stopped"`
	Message  string `json:"message"`
}

// wsConn serializes writes from the reader and writer goroutines.
type wsConn struct {
	conn      *websocket.Conn
	writeWait time.Duration
	mutex     sync.Mutex
}

func (c *wsConn) writeJSON(value any) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteJSON(value)
}

func (c *wsConn) writeControl(messageType int, data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.conn.WriteControl(messageType, data, time.Now().Add(c.writeWait))
}

// checkOrigin accepts non-browser clients, same-host pages, and the
// configured origins.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err == nil && parsed.Host == r.Host {
		return true
	}
	return h.originAllowed(origin)
}

// handleWebSocket upgrades the connection and runs it until either
// side goes away. Every connection sees every hub message; clients
// filter by ticket.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	// Subscribe before reading so a client that starts an analysis sees
	// every message of it.
	receiver := h.hub.Subscribe()
	client := &wsConn{conn: conn, writeWait: h.websocket.WriteWait}
	logger := h.logger.With("remote", r.RemoteAddr)
	logger.Debug("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ctx, client, receiver, logger)
		// Unblock the reader if the writer stopped first.
		conn.Close()
	}()

	h.readPump(ctx, client, logger)
	cancel()
	<-writerDone
	receiver.Close()
	logger.Debug("websocket disconnected")
}

// writePump forwards hub messages and sends pings. Next is bounded by
// the next ping time, so one loop serves both.
func (h *Handler) writePump(ctx context.Context, client *wsConn, receiver *broadcast.Receiver[analysisschema.Message], logger *slog.Logger) {
	nextPing := time.Now().Add(h.websocket.PingPeriod)
	for {
		waitCtx, cancelWait := context.WithDeadline(ctx, nextPing)
		message, dropped, err := receiver.Next(waitCtx)
		cancelWait()

		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if err := client.writeControl(websocket.PingMessage, nil); err != nil {
				logger.Debug("websocket ping failed", "error", err)
				return
			}
			nextPing = time.Now().Add(h.websocket.PingPeriod)
			continue
		case errors.Is(err, broadcast.ErrClosed):
			client.writeControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		default:
			return
		}

		if dropped > 0 {
			logger.Warn("slow websocket viewer missed messages", "dropped", dropped)
		}
		if err := client.writeJSON(message); err != nil {
			logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}

// readPump handles client requests until the connection fails or the
// peer stops answering pings.
func (h *Handler) readPump(ctx context.Context, client *wsConn, logger *slog.Logger) {
	conn := client.conn
	conn.SetReadLimit(maxClientMessage)
	conn.SetReadDeadline(time.Now().Add(h.websocket.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.websocket.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		// Any traffic proves the peer is alive.
		conn.SetReadDeadline(time.Now().Add(h.websocket.PongWait))

		var message clientMessage
		if err := json.Unmarshal(data, &message); err != nil {
			h.replyError(client, "", "malformed message: "+err.Error())
			continue
		}
		h.dispatch(ctx, client, message, logger)
	}
}

func (h *Handler) dispatch(ctx context.Context, client *wsConn, message clientMessage, logger *slog.Logger) {
	switch message.Type {
	case requestPing:
		client.writeJSON(pongMessage{Type: "pong", Timestamp: h.clock.Now()})

	case requestStartAnalysis:
		mode, err := ticket.ParseMode(message.Mode)
		if err != nil {
			h.replyError(client, message.TicketID, err.Error())
			return
		}
		_, err = h.sessions.Start(ctx, analysis.StartRequest{
			TicketID:    message.TicketID,
			ProjectID:   message.ProjectID,
			Mode:        mode,
			Question:    message.Question,
			CodeContext: message.CodeContext,
		})
		if err != nil {
			h.replyError(client, message.TicketID, h.clientError(err, logger))
		}

	case requestStopAnalysis:
		if message.TicketID == "" {
			h.replyError(client, "", "ticketId is required")
			return
		}
		result, err := h.sessions.Stop(ctx, message.TicketID)
		if err != nil {
			h.replyError(client, message.TicketID, h.clientError(err, logger))
			return
		}
		// Stopped sessions are announced through the hub; the reply
		// covers the no-op cases the hub never reports.
		if !result.Stopped {
			client.writeJSON(stoppedReply{
				Kind:     analysisschema.KindAnalysisStopped,
				TicketID: message.TicketID,
				Message:  result.Message,
			})
		}

	default:
		h.replyError(client, message.TicketID, fmt.Sprintf("unknown message type %q", message.Type))
	}
}

// clientError returns the text sent to the client for err, hiding
// internal failures.
func (h *Handler) clientError(err error, logger *slog.Logger) string {
	if errorStatus(err) == http.StatusInternalServerError {
		logger.Error("websocket request failed", "error", err)
		return "internal error"
	}
	if errors.Is(err, analysis.ErrConflict) {
		return "Analysis already running for this ticket"
	}
	return err.Error()
}

func (h *Handler) replyError(client *wsConn, ticketID, text string) {
	client.writeJSON(errorMessage{Kind: "error", TicketID: ticketID, Error: text})
}
