package offlinecache

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const (
	MessagePath   = "/_offline-cache/message"
	WebSocketPath = "/_offline-cache/ws"

	maxMessageSize = 4096
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// NewHandler returns the HTTP entry point: the message endpoints,
// and the registration for every other request.
func NewHandler(reg *Registration, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("reqId", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Str("sourceIp", getRequestSourceIp(r)).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request done")
	}))

	r.Post(MessagePath, func(w http.ResponseWriter, req *http.Request) {
		var msg Message
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxMessageSize)).Decode(&msg); err != nil {
			http.Error(w, "Invalid message", http.StatusBadRequest)
			return
		}
		reply := reg.HandleMessage(msg)
		if reply == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reply)
	})
	r.Get(WebSocketPath, func(w http.ResponseWriter, req *http.Request) {
		serveMessages(w, req, reg)
	})
	r.Handle("/*", reg)
	return r
}

// serveMessages reads messages from a websocket and writes each reply back on it.
func serveMessages(w http.ResponseWriter, req *http.Request, reg *Registration) {
	log := hlog.FromRequest(req)
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	// heartbeat, the reader loop exits when pongs stop coming
	pingTicker := time.NewTicker(pingPeriod)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()
	defer func() {
		close(done)
		pingTicker.Stop()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("Websocket closed")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("Invalid message")
			continue
		}
		reply := reg.HandleMessage(msg)
		if reply == nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(reply); err != nil {
			log.Warn().Err(err).Msg("Could not send reply")
			return
		}
	}
}
