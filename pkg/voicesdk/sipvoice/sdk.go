// Package sipvoice реализует голосовой SDK поверх SIP (sipgo): регистрация
// устройства на прокси, исходящие INVITE с SDP предложением, прием входящих
// приглашений, удержание через re-INVITE и DTMF через INFO.
// Медиа поток не передается: SDP описывает поток, которым владеет внешний движок.
package sipvoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/callbridge/pkg/voicesdk"
)

// ErrNoProxy прокси не задан, регистрация и адресация по имени невозможны
var ErrNoProxy = errors.New("sipvoice: прокси не настроен")

// Config параметры SIP агента
type Config struct {
	// Host адрес, который попадает в Contact и SDP
	Host string
	Port int
	// Transport udp или tcp
	Transport string
	// Proxy URI регистратора и исходящего прокси, например sip:voice.example.com:5060
	Proxy    string
	Username string
	// UserAgent значение заголовка User-Agent
	UserAgent string
	// MediaPort порт RTP, который объявляется в SDP
	MediaPort      int
	RegisterExpiry time.Duration
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 5060
	}
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.UserAgent == "" {
		c.UserAgent = "callbridge"
	}
	if c.Username == "" {
		c.Username = "callbridge"
	}
	if c.MediaPort == 0 {
		c.MediaPort = 10000
	}
	if c.RegisterExpiry == 0 {
		c.RegisterExpiry = time.Hour
	}
}

// SDK голосовой SDK на sipgo
type SDK struct {
	cfg     Config
	ua      *sipgo.UserAgent
	client  *sipgo.Client
	server  *sipgo.Server
	contact sip.Uri
	proxy   *sip.Uri

	mu      sync.Mutex
	handler voicesdk.InviteHandler
	pending map[string]*invite
	calls   map[string]*sipCall

	logger *slog.Logger
}

var _ voicesdk.SDK = (*SDK)(nil)

// New создает SIP агента. Прием запросов начинается в ListenAndServe.
func New(cfg Config) (*SDK, error) {
	cfg.setDefaults()

	s := &SDK{
		cfg:     cfg,
		contact: sip.Uri{Scheme: "sip", User: cfg.Username, Host: cfg.Host, Port: cfg.Port},
		pending: make(map[string]*invite),
		calls:   make(map[string]*sipCall),
		logger:  slog.Default().With(slog.String("component", "sipvoice")),
	}
	if cfg.Proxy != "" {
		var proxy sip.Uri
		if err := sip.ParseUri(cfg.Proxy, &proxy); err != nil {
			return nil, fmt.Errorf("некорректный URI прокси %q: %w", cfg.Proxy, err)
		}
		s.proxy = &proxy
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания User Agent: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.Host))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания сервера: %w", err)
	}
	s.ua, s.client, s.server = ua, client, server

	server.OnInvite(s.handleInvite)
	server.OnAck(s.handleAck)
	server.OnCancel(s.handleCancel)
	server.OnBye(s.handleBye)
	server.OnRequest(sip.INFO, s.handleInfo)
	server.OnOptions(s.handleOptions)
	return s, nil
}

// SetInviteHandler задает получателя входящих приглашений
func (s *SDK) SetInviteHandler(h voicesdk.InviteHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *SDK) inviteHandler() voicesdk.InviteHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// ListenAndServe принимает SIP запросы до отмены ctx
func (s *SDK) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.logger.Info("Запуск SIP агента",
		slog.String("transport", s.cfg.Transport),
		slog.String("address", addr),
	)
	return s.server.ListenAndServe(ctx, s.cfg.Transport, addr)
}

// Close закрывает клиент, сервер и User Agent
func (s *SDK) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия клиента: %w", err)
	}
	if err := s.server.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия сервера: %w", err)
	}
	return s.ua.Close()
}

// Register регистрирует устройство на прокси. accessToken уходит в Authorization,
// deviceToken в X-Push-Token.
func (s *SDK) Register(ctx context.Context, accessToken, deviceToken string) error {
	return s.register(ctx, accessToken, deviceToken, int(s.cfg.RegisterExpiry/time.Second))
}

// Unregister снимает регистрацию (Expires: 0)
func (s *SDK) Unregister(ctx context.Context, accessToken, deviceToken string) error {
	return s.register(ctx, accessToken, deviceToken, 0)
}

func (s *SDK) register(ctx context.Context, accessToken, deviceToken string, expires int) error {
	if s.proxy == nil {
		return ErrNoProxy
	}
	req := s.registerRequest(accessToken, deviceToken, expires)
	res, err := s.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("ошибка отправки REGISTER: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &voicesdk.Error{Code: int(res.StatusCode), Message: res.Reason}
	}
	s.logger.Info("регистрация обновлена", slog.Int("expires", expires))
	return nil
}

func (s *SDK) registerRequest(accessToken, deviceToken string, expires int) *sip.Request {
	registrar := sip.Uri{Scheme: s.proxy.Scheme, Host: s.proxy.Host, Port: s.proxy.Port}
	aor := sip.Uri{Scheme: "sip", User: s.cfg.Username, Host: s.proxy.Host}

	req := sip.NewRequest(sip.REGISTER, registrar)
	from := &sip.FromHeader{Address: aor, Params: sip.NewParams()}
	from.Params = from.Params.Add("tag", newTag())
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})
	req.AppendHeader(&sip.ContactHeader{Address: s.contact})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	if accessToken != "" {
		req.AppendHeader(sip.NewHeader("Authorization", "Bearer "+accessToken))
	}
	if deviceToken != "" {
		req.AppendHeader(sip.NewHeader("X-Push-Token", deviceToken))
	}
	return req
}

// resolveTarget превращает адресата приложения в SIP URI.
// Полный URI используется как есть, остальное адресуется через прокси.
func (s *SDK) resolveTarget(to string) (sip.Uri, error) {
	if strings.HasPrefix(to, "sip:") || strings.HasPrefix(to, "sips:") {
		var uri sip.Uri
		if err := sip.ParseUri(to, &uri); err != nil {
			return sip.Uri{}, fmt.Errorf("некорректный SIP URI: %w", err)
		}
		return uri, nil
	}
	if s.proxy == nil {
		return sip.Uri{}, ErrNoProxy
	}
	return sip.Uri{
		Scheme: "sip",
		User:   strings.TrimPrefix(to, "client:"),
		Host:   s.proxy.Host,
		Port:   s.proxy.Port,
	}, nil
}

// Connect отправляет INVITE. Звонок возвращается сразу, результат приходит в listener.
func (s *SDK) Connect(ctx context.Context, opts voicesdk.ConnectOptions, listener voicesdk.Listener) (voicesdk.Call, error) {
	target, err := s.resolveTarget(opts.Params["To"])
	if err != nil {
		return nil, &voicesdk.Error{Code: 400, Message: err.Error()}
	}
	body, err := buildSDP(s.cfg.Host, s.cfg.MediaPort, dirSendRecv)
	if err != nil {
		return nil, fmt.Errorf("ошибка формирования SDP: %w", err)
	}

	local := s.contact
	if from := opts.Params["From"]; from != "" {
		local.User = strings.TrimPrefix(from, "client:")
	}
	c := &sipCall{
		sdk:      s,
		listener: listener,
		from:     opts.Params["From"],
		to:       opts.Params["To"],
		state:    stateCalling,
		dlg: dialog{
			callID:       sip.CallIDHeader(newTag() + newTag()),
			localURI:     local,
			remoteURI:    target,
			localTag:     newTag(),
			remoteTarget: target,
			contact:      s.contact,
		},
	}
	c.logger = s.logger.With(slog.String("call_id", c.SID()))

	c.mu.Lock()
	req := c.dlg.request(sip.INVITE, body, contentTypeSDP)
	c.invite = req
	c.mu.Unlock()
	if opts.AccessToken != "" {
		req.AppendHeader(sip.NewHeader("Authorization", "Bearer "+opts.AccessToken))
	}
	for k, v := range opts.Params {
		if k == "To" || k == "From" {
			continue
		}
		req.AppendHeader(sip.NewHeader(paramHeaderPrefix+k, v))
	}

	tx, err := s.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, &voicesdk.Error{Code: 503, Message: err.Error()}
	}
	s.track(c)
	go c.runInvite(tx)
	return c, nil
}

func (s *SDK) track(c *sipCall) {
	s.mu.Lock()
	s.calls[c.SID()] = c
	s.mu.Unlock()
}

func (s *SDK) untrack(callID string) {
	s.mu.Lock()
	delete(s.calls, callID)
	s.mu.Unlock()
}

func (s *SDK) lookup(callID string) (*sipCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	return c, ok
}

func callIDOf(req *sip.Request) string {
	if id := req.CallID(); id != nil {
		return id.Value()
	}
	return ""
}

func (s *SDK) respond(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("Не удалось отправить ответ",
			slog.Int("status", int(code)),
			slog.String("method", req.Method.String()),
			slog.Any("error", err),
		)
	}
}

// handleInvite новое приглашение или re-INVITE в существующем диалоге
func (s *SDK) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if callID == "" {
		s.respond(req, tx, sip.StatusBadRequest, "empty call id")
		return
	}
	if to := req.To(); to != nil && tagOf(to.Params) != "" {
		c, ok := s.lookup(callID)
		if !ok {
			s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
			return
		}
		c.handleReInvite(req, tx)
		return
	}

	h := s.inviteHandler()
	if h == nil {
		s.respond(req, tx, 480, "Temporarily Unavailable")
		return
	}

	inv := newInvite(s, req, tx)
	s.mu.Lock()
	if _, dup := s.pending[callID]; dup {
		s.mu.Unlock()
		s.respond(req, tx, 482, "Loop Detected")
		return
	}
	s.pending[callID] = inv
	s.mu.Unlock()

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	setToTag(ringing, inv.tag)
	if err := tx.Respond(ringing); err != nil {
		s.logger.Warn("Не удалось отправить 180", slog.Any("error", err))
	}
	s.logger.Info("входящее приглашение", slog.String("call_id", callID), slog.String("from", inv.From()))
	h.OnInvite(inv)
}

func (s *SDK) takePending(callID string) (*invite, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.pending[callID]
	if ok {
		delete(s.pending, callID)
	}
	return inv, ok
}

// handleCancel удаленная сторона отозвала приглашение до ответа
func (s *SDK) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	inv, ok := s.takePending(callID)
	if !ok {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.respond(req, tx, sip.StatusOK, "OK")
	inv.terminate(487, "Request Terminated")

	if h := s.inviteHandler(); h != nil {
		h.OnCancelledInvite(inv, nil)
	}
}

func (s *SDK) handleAck(req *sip.Request, _ sip.ServerTransaction) {
	if c, ok := s.lookup(callIDOf(req)); ok {
		c.handleAck()
	}
}

func (s *SDK) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	c, ok := s.lookup(callIDOf(req))
	if !ok {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.respond(req, tx, sip.StatusOK, "OK")
	c.remoteHangup()
}

func (s *SDK) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("INFO", slog.String("call_id", callIDOf(req)), slog.String("body", string(req.Body())))
	s.respond(req, tx, sip.StatusOK, "OK")
}

func (s *SDK) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.respond(req, tx, sip.StatusOK, "OK")
}
