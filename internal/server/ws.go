package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/threadloom/internal/ingest"
	"github.com/MrWong99/threadloom/internal/stream"
)

// clientMessage is the JSON shape of text frames sent by the client. Binary
// frames carry raw PCM audio and bypass this decoding entirely.
type clientMessage struct {
	Type       string   `json:"type"`
	Utterances []string `json:"utterances,omitempty"`
}

// handleSession upgrades the connection and runs one ingestion session over
// it: binary frames feed the transcription backend, text frames carry
// utterances and the flush/close control messages, and the session's event
// stream flows back as JSON text frames.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	session := ingest.NewSession(s.sessionOptions(conversationID))
	log := s.log.With("session_id", session.ID())

	ctx := r.Context()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		err := session.Dispatcher().Run(ctx, func(ev stream.Event) error {
			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			return conn.Write(ctx, websocket.MessageText, payload)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("event writer stopped", "error", err)
		}
	}()

	if err := session.Start(ctx); err != nil {
		log.Error("session start failed", "error", err)
		<-writerDone
		conn.Close(websocket.StatusInternalError, "session start failed")
		return
	}

	s.readLoop(ctx, conn, session, log)

	// A vanished client still gets its graph drained and persisted; the
	// dispatcher discards events it can no longer deliver.
	session.Flush()

	<-writerDone
	conn.Close(websocket.StatusNormalClosure, "session complete")
	log.Debug("websocket closed")
}

// readLoop consumes client frames until the client closes, errors, or sends
// the close control message. A flush leaves the loop running so trailing
// deltas and done can still be observed by the client.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, session *ingest.Session, log *slog.Logger) {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			log.Debug("client read ended", "error", err)
			return
		}

		switch msgType {
		case websocket.MessageBinary:
			if err := session.HandleAudio(data); err != nil {
				if errors.Is(err, ingest.ErrNoAudioSupport) {
					log.Warn("audio frame on text-only session")
					continue
				}
				log.Debug("audio rejected", "error", err)
			}

		case websocket.MessageText:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warn("unparseable client message", "error", err)
				continue
			}
			switch msg.Type {
			case "text":
				if err := session.HandleText(msg.Utterances); err != nil {
					log.Debug("text rejected", "error", err)
				}
			case "flush":
				session.Flush()
			case "close":
				session.Flush()
				return
			default:
				log.Warn("unknown client message type", "type", msg.Type)
			}
		}
	}
}
