// Package devserver simulates the desk backend's consumed surface — chat,
// health, websocket price feed, sandbox glue — for local runs and
// integration tests. It is not the production backend.
package devserver

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"

	"github.com/optionsdesk/retriever/internal/connection"
	"github.com/optionsdesk/retriever/internal/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options configures the simulator.
type Options struct {
	Available     bool    // what /gr2/health reports
	StartingPrice float64 // random-walk starting point
	BroadcastSpec string  // cron spec for price pushes, empty disables
}

// Server is the backend simulator.
type Server struct {
	engine *gin.Engine
	cron   *cron.Cron
	logger *logger.Logger
	opts   Options

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	price   float64
}

type chatRequest struct {
	Message     string                 `json:"message"`
	ScreenState map[string]interface{} `json:"screen_state"`
}

type chatResponse struct {
	Answer     string   `json:"answer"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources,omitempty"`
}

// New builds the simulator and its routes.
func New(opts Options, log *logger.Logger) *Server {
	if opts.StartingPrice == 0 {
		opts.StartingPrice = 100_000
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:  gin.New(),
		logger:  log.WithComponent("devserver"),
		opts:    opts,
		clients: make(map[*websocket.Conn]bool),
		price:   opts.StartingPrice,
	}

	s.engine.Use(gin.Recovery())

	s.engine.POST("/gr2/chat", s.handleChat)
	s.engine.POST("/chat", s.handleChat)
	s.engine.GET("/gr2/health", s.handleHealth)
	s.engine.GET("/ws", s.handleWS)
	s.engine.GET("/market/price", s.handlePrice)
	s.engine.POST("/sandbox/trades/execute", s.handleTrade)
	s.engine.POST("/sandbox/update-account", s.handleAccount)

	if opts.BroadcastSpec != "" {
		s.cron = cron.New(cron.WithSeconds())
		s.cron.AddFunc(opts.BroadcastSpec, s.tickPrice)
	}

	return s
}

// Handler exposes the router, for httptest and CORS wrapping.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start launches the scheduled price broadcast, if configured.
func (s *Server) Start() {
	if s.cron != nil {
		s.cron.Start()
	}
}

// Stop halts broadcasts and closes all websocket clients.
func (s *Server) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.mu.Unlock()
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if !s.opts.Available {
		c.JSON(http.StatusOK, chatResponse{Answer: unavailableAnswer, Confidence: 0})
		return
	}

	answer, confidence := answerFor(req.Message)
	c.JSON(http.StatusOK, chatResponse{
		Answer:     answer,
		Confidence: confidence,
		Sources:    []string{"knowledge-base"},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"available": s.opts.Available})
}

func (s *Server) handlePrice(c *gin.Context) {
	s.mu.Lock()
	price := s.price
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"price": price})
}

func (s *Server) handleTrade(c *gin.Context) {
	var req map[string]interface{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     "trade executed",
		"position_id": "sim-position",
	})
}

func (s *Server) handleAccount(c *gin.Context) {
	var req map[string]interface{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// handleWS upgrades and serves one websocket client: keep-alive, chat and
// legacy chat frames in, price updates out.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	total := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("websocket client connected", "total", total)

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleClientFrame(conn, payload)
	}
}

func (s *Server) handleClientFrame(conn *websocket.Conn, payload []byte) {
	text := string(payload)

	if text == "ping" {
		s.writeText(conn, "pong")
		return
	}
	if text == "pong" {
		return
	}

	if strings.HasPrefix(text, "chat:") {
		answer, _ := answerFor(strings.TrimPrefix(text, "chat:"))
		s.writeText(conn, answer)
		return
	}

	var cmd connection.ChatCommand
	if err := json.Unmarshal(payload, &cmd); err == nil && cmd.Type == connection.FrameTypeChat {
		answer, confidence := answerFor(cmd.Message)
		s.writeJSON(conn, connection.ChatAnswer{
			Type:       connection.FrameTypeChatResponse,
			ID:         cmd.ID,
			Answer:     answer,
			Confidence: &confidence,
		})
		return
	}

	s.logger.Debug("ignoring unrecognized client frame")
}

// tickPrice advances the random walk and broadcasts it.
func (s *Server) tickPrice() {
	s.mu.Lock()
	s.price += s.price * (rand.Float64() - 0.5) * 0.002
	price := s.price
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	frame := map[string]interface{}{
		"type": "price_update",
		"data": map[string]float64{"price": price},
	}
	for _, conn := range conns {
		s.writeJSON(conn, frame)
	}
}

func (s *Server) writeText(conn *websocket.Conn, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("marshal broadcast frame", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
	}
}
