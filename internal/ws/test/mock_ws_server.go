package test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageHandler is a function that processes a received message and returns a response
type MessageHandler func([]byte) interface{}

// MockBotServer is a fake bot backend serving the push endpoint
type MockBotServer struct {
	Server *httptest.Server
	// Connections holds all live websocket connections
	Connections []*websocket.Conn
	// Messages received from clients
	ReceivedMessages [][]byte
	// Tokens presented by clients, in connect order
	Tokens []string

	validToken      string
	autoPong        bool
	connectCount    int
	connected       chan struct{}
	messageHandlers map[string]MessageHandler
	writeMu         sync.Map // *websocket.Conn -> *sync.Mutex
	mu              sync.Mutex
	upgrader        websocket.Upgrader
}

// ServerOption configures the mock server
type ServerOption func(*MockBotServer)

// WithValidToken makes the server close with 4002 for any other token.
func WithValidToken(token string) ServerOption {
	return func(m *MockBotServer) {
		m.validToken = token
	}
}

// WithoutPong disables the automatic answer to ping frames.
func WithoutPong() ServerOption {
	return func(m *MockBotServer) {
		m.autoPong = false
	}
}

// NewMockBotServer creates and starts a new mock bot backend
func NewMockBotServer(opts ...ServerOption) *MockBotServer {
	mock := &MockBotServer{
		Connections:      make([]*websocket.Conn, 0),
		ReceivedMessages: make([][]byte, 0),
		autoPong:         true,
		connected:        make(chan struct{}, 64),
		messageHandlers:  make(map[string]MessageHandler),
		upgrader: websocket.Upgrader{
			// Allow all origins for testing
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(mock)
	}

	mock.Server = httptest.NewServer(http.HandlerFunc(mock.handleWebSocket))
	return mock
}

// Host returns host:port of the server, suitable for building endpoint URLs
func (m *MockBotServer) Host() string {
	return strings.TrimPrefix(m.Server.URL, "http://")
}

// handleWebSocket authenticates the client the way the real backend does:
// upgrade first, then close with an application code on failure.
func (m *MockBotServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	botID, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/api/v1/websocket/bot/"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	token := r.URL.Query().Get("token")
	m.mu.Lock()
	m.Tokens = append(m.Tokens, token)
	m.mu.Unlock()

	switch {
	case token == "":
		m.closeConn(conn, 4001, "missing token")
		return
	case m.validToken != "" && token != m.validToken:
		m.closeConn(conn, 4002, "invalid token")
		return
	}

	m.mu.Lock()
	m.Connections = append(m.Connections, conn)
	m.connectCount++
	m.mu.Unlock()

	_ = m.write(conn, mustJSON(map[string]interface{}{
		"type":      "connection_established",
		"timestamp": time.Now().Format(time.RFC3339),
		"data": map[string]interface{}{
			"bot_id":   botID,
			"bot_name": "bot-" + strconv.Itoa(botID),
			"status":   "running",
		},
	}))

	m.connected <- struct{}{}

	go m.readMessages(conn)
}

// readMessages reads messages from the client
func (m *MockBotServer) readMessages(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			m.forget(conn)
			return
		}
		m.mu.Lock()
		m.ReceivedMessages = append(m.ReceivedMessages, message)
		m.mu.Unlock()

		msgType := m.determineMessageType(message)
		if msgType == "ping" && m.autoPong {
			_ = m.write(conn, mustJSON(map[string]interface{}{
				"type":      "pong",
				"timestamp": time.Now().Format(time.RFC3339),
			}))
			continue
		}

		m.mu.Lock()
		handler, ok := m.messageHandlers[msgType]
		m.mu.Unlock()
		if ok {
			if response := handler(message); response != nil {
				if err := m.write(conn, mustJSON(response)); err != nil {
					return
				}
			}
		}
	}
}

// Push sends a raw frame to every connected client
func (m *MockBotServer) Push(frame []byte) {
	for _, conn := range m.conns() {
		_ = m.write(conn, frame)
	}
}

// PushJSON sends v as a JSON text frame to every connected client
func (m *MockBotServer) PushJSON(v interface{}) {
	m.Push(mustJSON(v))
}

// CloseAll sends a close frame with code and reason to every client
func (m *MockBotServer) CloseAll(code int, reason string) {
	for _, conn := range m.conns() {
		m.closeConn(conn, code, reason)
		m.forget(conn)
	}
}

// DropAll tears down every connection without a close frame
func (m *MockBotServer) DropAll() {
	for _, conn := range m.conns() {
		conn.Close()
		m.forget(conn)
	}
}

// WaitForConnections blocks until n clients completed the handshake
func (m *MockBotServer) WaitForConnections(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-m.connected:
		case <-deadline:
			return false
		}
	}
	return true
}

// ConnectCount returns how many clients were accepted so far
func (m *MockBotServer) ConnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCount
}

// GetReceivedMessages returns all messages received from clients
func (m *MockBotServer) GetReceivedMessages() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.ReceivedMessages))
	copy(out, m.ReceivedMessages)
	return out
}

// GetTokens returns the tokens presented so far
func (m *MockBotServer) GetTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Tokens...)
}

// RegisterHandler registers a handler for a specific message type
func (m *MockBotServer) RegisterHandler(messageType string, handler MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageHandlers[messageType] = handler
}

// Close shuts down the mock server and closes all connections
func (m *MockBotServer) Close() {
	for _, conn := range m.conns() {
		conn.Close()
	}
	m.Server.Close()
}

func (m *MockBotServer) conns() []*websocket.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*websocket.Conn(nil), m.Connections...)
}

func (m *MockBotServer) forget(conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.Connections {
		if c == conn {
			m.Connections = append(m.Connections[:i], m.Connections[i+1:]...)
			return
		}
	}
}

func (m *MockBotServer) lockFor(conn *websocket.Conn) *sync.Mutex {
	mu, _ := m.writeMu.LoadOrStore(conn, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (m *MockBotServer) write(conn *websocket.Conn, data []byte) error {
	mu := m.lockFor(conn)
	mu.Lock()
	defer mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *MockBotServer) closeConn(conn *websocket.Conn, code int, reason string) {
	mu := m.lockFor(conn)
	mu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	mu.Unlock()
	conn.Close()
}

// determineMessageType determines the message type from the received message
func (m *MockBotServer) determineMessageType(message []byte) string {
	var msg map[string]interface{}
	if err := json.Unmarshal(message, &msg); err != nil {
		return "error"
	}
	if t, ok := msg["type"].(string); ok {
		return t
	}
	return "unknown"
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
