package transporttest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/transport"
)

// Server is an httptest backend speaking the REST and websocket protocol,
// backed by a FakeAPI.
type Server struct {
	*httptest.Server

	API *FakeAPI

	upgrader websocket.Upgrader

	mu       sync.Mutex
	token    string
	conns    map[*websocket.Conn]struct{}
	received []transport.Envelope
	failures map[string]int
	uploads  []string
	connects int
	notify   chan struct{}
}

// NewServer starts a server. A non-empty token is required as Bearer auth.
func NewServer(token string) *Server {
	s := &Server{
		API:      NewFakeAPI(),
		token:    token,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[*websocket.Conn]struct{}),
		failures: make(map[string]int),
		notify:   make(chan struct{}, 64),
	}

	r := mux.NewRouter()
	r.Use(s.auth)
	r.HandleFunc("/socket", s.handleSocket).Methods(http.MethodGet)
	r.HandleFunc("/conversations", s.handleConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversations/access", s.handleAccess).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/messages", s.handleMessages).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/seen", s.handleSeen).Methods(http.MethodPost)
	r.HandleFunc("/uploads", s.handleUpload).Methods(http.MethodPost)

	s.Server = httptest.NewServer(r)
	return s
}

// SocketURL returns the ws:// URL of the channel endpoint.
func (s *Server) SocketURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/socket"
}

// SetToken changes the accepted Bearer token. Empty disables auth.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// FailNext makes the next n requests to path answer with status code.
func (s *Server) FailNext(path string, code, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = code<<16 | n
}

// Received returns the frames clients emitted.
func (s *Server) Received() []transport.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Envelope(nil), s.received...)
}

// Frames returns a channel signaled whenever a client frame arrives.
func (s *Server) Frames() <-chan struct{} {
	return s.notify
}

// Connects returns how many websocket handshakes succeeded.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Uploads returns the filenames received by /uploads.
func (s *Server) Uploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.uploads...)
}

// Push broadcasts an event to every connected socket.
func (s *Server) Push(event string, payload any) error {
	frame, err := transport.EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every socket from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

// Close drops sockets and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if code := s.takeFailure(r.URL.Path); code != 0 {
			writeError(w, code, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) takeFailure(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	packed, ok := s.failures[path]
	if !ok {
		return 0
	}
	code, n := packed>>16, packed&0xffff
	if n <= 1 {
		delete(s.failures, path)
	} else {
		s.failures[path] = code<<16 | (n - 1)
	}
	return code
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.connects++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, env)
		s.mu.Unlock()
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.API.FetchConversations(r.Context(), r.URL.Query().Get("identityId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.API.FetchMessages(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("identityId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": msgs})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req transport.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" && req.Media == nil {
		writeError(w, http.StatusBadRequest, "content or media is required")
		return
	}
	req.ConversationID = mux.Vars(r)["id"]
	msg, err := s.API.SendMessage(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	var req transport.AccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	conv, err := s.API.AccessConversation(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleSeen(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IdentityID string `json:"identityId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IdentityID == "" {
		writeError(w, http.StatusBadRequest, "identityId is required")
		return
	}
	if err := s.API.MarkSeen(r.Context(), mux.Vars(r)["id"], body.IdentityID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, header.Filename)
	s.mu.Unlock()

	media, err := s.API.Upload(r.Context(), transport.Upload{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		URL  string           `json:"url"`
		Kind models.MediaKind `json:"kind"`
	}{media.URL, media.Kind})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
