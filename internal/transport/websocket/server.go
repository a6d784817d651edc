package websocket

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 在生产环境中应该检查Origin
		return true
	},
}

// DisconnectHandler is notified after a connection has closed
type DisconnectHandler interface {
	OnDisconnect(conn *Connection)
}

// Server WebSocket服务器
type Server struct {
	hub     *Hub
	logger  *zap.Logger
	handler MessageHandler
}

// NewServer 创建WebSocket服务器
func NewServer(hub *Hub, handler MessageHandler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:     hub,
		logger:  logger,
		handler: handler,
	}
}

// GetHub 获取Hub
func (s *Server) GetHub() *Hub {
	return s.hub
}

// HandleWebSocket 处理WebSocket连接升级. The caller identity comes from the
// X-User-ID header or the user_id query parameter.
func (s *Server) HandleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			userID = r.URL.Query().Get("user_id")
		}
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Error("Failed to upgrade connection",
				zap.Error(err),
				zap.String("remote_addr", r.RemoteAddr),
			)
			return
		}

		connID, err := uuid.NewV7()
		if err != nil {
			s.logger.Error("Failed to generate connection ID", zap.Error(err))
			conn.Close()
			return
		}

		wsConn := NewConnection(connID.String(), userID, conn, s.logger)
		s.hub.Register(wsConn)

		s.logger.Info("WebSocket connection established",
			zap.String("conn_id", wsConn.ID),
			zap.String("user_id", userID),
			zap.String("remote_addr", r.RemoteAddr),
		)

		// 阻塞直到连接关闭
		wsConn.Serve(s.handler)

		s.hub.Unregister(wsConn.ID)
		if dh, ok := s.handler.(DisconnectHandler); ok {
			dh.OnDisconnect(wsConn)
		}
	}
}

// GetStats 获取统计信息
func (s *Server) GetStats() map[string]interface{} {
	return s.hub.GetStats()
}

// Close 关闭服务器
func (s *Server) Close() {
	s.hub.Close()
}
