// Package server exposes the sync engine over websocket and a small REST
// read surface.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"collabsync/internal/editor"
	"collabsync/internal/message"
	"collabsync/internal/ot"
	"collabsync/internal/session"
	"collabsync/internal/store"
)

// Server wires the coordinator and the session registry to HTTP.
type Server struct {
	coord    *editor.Coordinator
	registry *session.Registry
	upgrader websocket.Upgrader
}

func New(coord *editor.Coordinator, registry *session.Registry) *Server {
	return &Server{
		coord:    coord,
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the route table. The gateway in front of this service owns
// auth and CORS; everything here assumes an already-vetted request.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/documents/{documentId}", s.handleWS)
	r.HandleFunc("/documents/{documentId}/content", s.handleContent).Methods(http.MethodGet)
	r.HandleFunc("/documents/{documentId}/presence", s.handlePresence).Methods(http.MethodGet)
	r.HandleFunc("/documents/{documentId}/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "missing userId query param", http.StatusBadRequest)
		return
	}

	// Existence check before the upgrade so an unknown document is an HTTP
	// 404, not a websocket close.
	if _, err := s.coord.State(r.Context(), documentID); err != nil {
		writeStateError(w, documentID, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: upgrade failed for doc=%s: %v", documentID, err)
		return
	}
	conn := newWSConn(ws)
	sessionID := s.registry.Subscribe(documentID, userID, conn)
	defer func() {
		s.registry.Unsubscribe(sessionID)
		conn.Close()
	}()

	// Snapshot after subscribing: an edit committed in between shows up both
	// here and on the broadcast path, never in neither.
	state, err := s.coord.State(r.Context(), documentID)
	if err != nil {
		return
	}
	s.sendInit(conn, state, documentID)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			log.Printf("server: client disconnected doc=%s user=%s: %v", documentID, userID, err)
			return
		}
		s.registry.Touch(sessionID)
		s.handleFrame(r.Context(), conn, documentID, userID, raw)
	}
}

// sendInit delivers the full-content snapshot a new subscriber starts from.
func (s *Server) sendInit(conn *wsConn, state editor.State, documentID string) {
	frame, err := json.Marshal(message.Init{
		Type:     message.TypeInit,
		Document: state.Document,
		Version:  state.Version,
		Presence: s.registry.Presence(documentID),
	})
	if err != nil {
		return
	}
	if err := conn.Send(frame); err != nil {
		log.Printf("server: init frame for doc=%s dropped: %v", documentID, err)
	}
}

func (s *Server) handleFrame(ctx context.Context, conn *wsConn, documentID, userID string, raw []byte) {
	var env message.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.sendError(conn, documentID, "", 0, "BAD_FRAME", "frame is not valid JSON")
		return
	}
	switch env.Type {
	case message.TypePing:
		if frame, err := json.Marshal(message.Pong{Type: message.TypePong}); err == nil {
			conn.Send(frame)
		}
	case message.TypeEdit, "":
		var edit message.Edit
		if err := json.Unmarshal(raw, &edit); err != nil {
			s.sendError(conn, documentID, "", 0, "BAD_FRAME", "edit frame malformed")
			return
		}
		s.handleEdit(ctx, conn, documentID, userID, edit)
	default:
		log.Printf("server: ignoring frame type %q on doc=%s", env.Type, documentID)
	}
}

func (s *Server) handleEdit(ctx context.Context, conn *wsConn, documentID, userID string, edit message.Edit) {
	if edit.UserID != "" {
		userID = edit.UserID
	}
	opID := edit.OpID
	if opID == "" {
		opID = uuid.NewString()
	}
	proposed := ot.Operation{
		Kind:     ot.Kind(edit.OperationType),
		Position: edit.Position,
		Content:  edit.Content,
		Length:   edit.Length,
		OpID:     opID,
	}

	_, err := s.coord.Submit(ctx, documentID, userID, proposed, edit.Version)
	if err == nil {
		// The committed operation reaches this client through the broadcast
		// path, like every other subscriber.
		return
	}

	log.Printf("server: edit rejected doc=%s user=%s op=%s: %v", documentID, userID, opID, err)
	version := 0
	if state, serr := s.coord.State(ctx, documentID); serr == nil {
		version = state.Version
	}
	s.sendError(conn, documentID, opID, version, errorCode(err), err.Error())
}

func (s *Server) sendError(conn *wsConn, documentID, opID string, version int, code, msg string) {
	frame, err := json.Marshal(message.Error{
		Type:       message.TypeError,
		Code:       code,
		Message:    msg,
		DocumentID: documentID,
		OpID:       opID,
		Version:    version,
	})
	if err != nil {
		return
	}
	conn.Send(frame)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ot.ErrInvalidOperation):
		return "INVALID_OPERATION"
	case errors.Is(err, ot.ErrUnknownKind):
		return "UNKNOWN_OPERATION"
	case errors.Is(err, store.ErrDocumentNotFound):
		return "DOCUMENT_NOT_FOUND"
	default:
		return "INTERNAL"
	}
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]
	state, err := s.coord.State(r.Context(), documentID)
	if err != nil {
		writeStateError(w, documentID, err)
		return
	}
	writeJSON(w, map[string]any{
		"documentId": documentID,
		"content":    state.Content,
		"version":    state.Version,
	})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]
	users := s.registry.Presence(documentID)
	if users == nil {
		users = []string{}
	}
	writeJSON(w, map[string]any{
		"documentId":  documentID,
		"activeUsers": users,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "since must be an integer", http.StatusBadRequest)
			return
		}
		since = n
	}
	ops, err := s.coord.History(r.Context(), documentID, since)
	if err != nil {
		writeStateError(w, documentID, err)
		return
	}
	edits := make([]message.Edit, 0, len(ops))
	for _, op := range ops {
		edits = append(edits, message.Edit{
			Type:          message.TypeOperation,
			DocumentID:    documentID,
			UserID:        op.UserID,
			OperationType: string(op.Kind),
			Position:      op.Position,
			Content:       op.Content,
			Length:        op.Length,
			Version:       op.Version,
			OpID:          op.OpID,
		})
	}
	writeJSON(w, edits)
}

func writeStateError(w http.ResponseWriter, documentID string, err error) {
	if errors.Is(err, store.ErrDocumentNotFound) {
		http.Error(w, "document "+documentID+" not found", http.StatusNotFound)
		return
	}
	log.Printf("server: state lookup for doc=%s failed: %v", documentID, err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}
