// Package bridge транспорт между приложением и ядром звонков: websocket
// запросы/ответы и поток событий. Подписку на события держит только
// последнее подключение.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arzzra/callbridge/pkg/callevent"
	"github.com/arzzra/callbridge/pkg/dispatch"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
	mirrorBuffer   = 256
)

// Handler исполнитель команд
type Handler interface {
	Handle(ctx context.Context, name string, args dispatch.Args) (any, error)
}

// Option настройка сервера
type Option func(*Server)

// WithMirror дублирует доставленные события в зеркало
func WithMirror(m Mirror) Option {
	return func(s *Server) { s.mirror = m }
}

// Server websocket точка входа приложения
type Server struct {
	handler  Handler
	emitter  *callevent.Emitter
	mirror   Mirror
	pump     *mirrorPump
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewServer создает сервер поверх исполнителя команд и слота событий
func NewServer(h Handler, emitter *callevent.Emitter, opts ...Option) *Server {
	s := &Server{
		handler: h,
		emitter: emitter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  slog.Default().With(slog.String("component", "bridge")),
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mirror != nil {
		s.pump = newMirrorPump(s.mirror, mirrorBuffer, s.logger)
	}
	return s
}

// ServeHTTP принимает websocket подключение и обслуживает его до закрытия
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Ошибка websocket upgrade", slog.Any("error", err))
		return
	}

	c := &client{
		srv:  s,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	c.logger = s.logger.With(slog.String("remote", conn.RemoteAddr().String()))

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	// новое подключение вытесняет предыдущего подписчика
	c.unsubscribe = s.emitter.Subscribe(callevent.SubscriberFunc(c.deliver))
	c.logger.Info("приложение подключено")

	go c.writePump()
	c.readPump(r.Context())
}

// Close закрывает все подключения и зеркало
func (s *Server) Close() error {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if s.pump != nil {
		return s.pump.Close()
	}
	return nil
}

func (s *Server) forget(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

type client struct {
	srv         *Server
	conn        *websocket.Conn
	logger      *slog.Logger
	unsubscribe func()

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// deliver отправляет событие приложению и в зеркало. Зеркало получает
// событие независимо от судьбы websocket клиента.
func (c *client) deliver(ev callevent.Event) {
	if p := c.srv.pump; p != nil {
		p.push(ev)
	}
	data, err := encodeEvent(ev)
	if err != nil {
		c.logger.Error("Не удалось сериализовать событие", slog.Any("error", err))
		return
	}
	c.enqueue(data)
}

// enqueue не блокирует. Клиент, не успевающий читать, отключается:
// после переподключения приложение запрашивает состояние заново.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return true
	default:
	}
	c.mu.Unlock()

	c.logger.Warn("буфер отправки переполнен, клиент отключается", slog.Int("buffer", cap(c.send)))
	c.close()
	return false
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.srv.forget(c)
	c.logger.Info("приложение отключено")
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Неожиданное закрытие websocket", slog.Any("error", err))
			}
			return
		}
		c.handle(ctx, data)
	}
}

func (c *client) handle(ctx context.Context, data []byte) {
	var req Request
	var out []byte
	var err error
	if uerr := json.Unmarshal(data, &req); uerr != nil || req.Method == "" {
		msg := "request must carry a method"
		if uerr != nil {
			msg = uerr.Error()
		}
		out, err = encodeResponse(req.ID, nil, &dispatch.Error{Code: dispatch.CodeMalformedArguments, Message: msg})
	} else {
		if req.Args == nil {
			req.Args = dispatch.Args{}
		}
		result, herr := c.srv.handler.Handle(ctx, req.Method, req.Args)
		out, err = encodeResponse(req.ID, result, herr)
	}
	if err != nil {
		c.logger.Error("Не удалось сериализовать ответ", slog.String("method", req.Method), slog.Any("error", err))
		return
	}
	c.enqueue(out)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("Ошибка записи в websocket", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
