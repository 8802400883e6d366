// Package dispatch принимает команды приложения по имени, находит целевую
// сессию в реестре и вызывает ее операцию. Команды сессии не ждут сети:
// результат true означает, что команда поставлена в очередь сессии.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/arzzra/callbridge/pkg/admission"
	"github.com/arzzra/callbridge/pkg/call"
	"github.com/arzzra/callbridge/pkg/callerr"
	"github.com/arzzra/callbridge/pkg/metrics"
	"github.com/arzzra/callbridge/pkg/telephony"
	"github.com/arzzra/callbridge/pkg/voicesdk"
)

// Preferences настройки, которые меняются командами приложения
type Preferences interface {
	SetDefaultCaller(ctx context.Context, name string) error
	RegisterName(ctx context.Context, id, name string) error
	UnregisterName(ctx context.Context, id string) error
	RejectOnNoPermission() bool
	SetRejectOnNoPermission(ctx context.Context, reject bool) error
	ShowNotifications() bool
	SetShowNotifications(ctx context.Context, show bool) error
}

// Config зависимости диспетчера
type Config struct {
	Admission *admission.Controller
	Framework telephony.Framework
	SDK       voicesdk.SDK
	Prefs     Preferences
	Metrics   *metrics.Collector
	// Account аккаунт, который регистрирует команда registerPhoneAccount
	Account telephony.Account
}

// DefaultAccount аккаунт телефонии по умолчанию
func DefaultAccount() telephony.Account {
	return telephony.Account{ID: "callbridge", Label: "Callbridge", Enabled: true, CallCapable: true}
}

type handlerFunc func(ctx context.Context, cmd string, args Args) (any, error)

// Dispatcher диспетчер команд
type Dispatcher struct {
	cfg      Config
	registry *call.Registry
	handlers map[string]handlerFunc
	logger   *slog.Logger
}

// New создает диспетчер
func New(cfg Config) *Dispatcher {
	if cfg.Account.ID == "" {
		cfg.Account = DefaultAccount()
	}
	d := &Dispatcher{
		cfg:      cfg,
		registry: cfg.Admission.Registry(),
		logger:   slog.Default().With(slog.String("component", "dispatch")),
	}
	d.handlers = map[string]handlerFunc{
		// команды сессии
		"answer":          d.sessionCmd(true, simple((*call.Session).Answer)),
		"reject":          d.sessionCmd(true, simple((*call.Session).Reject)),
		"hangUp":          d.sessionCmd(false, simple((*call.Session).Hangup)),
		"toggleHold":      d.sessionCmd(false, boolCmd("hold", (*call.Session).ToggleHold)),
		"holdCall":        d.sessionCmd(false, simple((*call.Session).FlipHold)),
		"toggleMute":      d.sessionCmd(false, boolCmd("muted", (*call.Session).ToggleMute)),
		"toggleSpeaker":   d.sessionCmd(false, routeCmd("speakerIsOn", telephony.RouteSpeaker)),
		"toggleBluetooth": d.sessionCmd(false, routeCmd("bluetoothOn", telephony.RouteBluetooth)),
		"sendDigits":      d.sessionCmd(false, sendDigits),
		"makeCall":        d.makeCall,

		// регистрация в облачном SDK
		"registerClient":   d.registerClient,
		"unregisterClient": d.unregisterClient,

		// запросы состояния
		"isOnCall":      d.isOnCall,
		"getSid":        d.query(func(s *call.Session) any { return s.SID() }),
		"isHolding":     d.query(func(s *call.Session) any { return s.IsOnHold() }),
		"isMuted":       d.query(func(s *call.Session) any { return s.IsMuted() }),
		"getAudioRoute": d.query(func(s *call.Session) any { return string(s.AudioRoute()) }),

		// настройки
		"defaultCaller":                  d.defaultCaller,
		"registerClientName":             d.registerClientName,
		"unregisterClientName":           d.unregisterClientName,
		"rejectCallOnNoPermissions":      d.rejectCallOnNoPermissions,
		"isRejectingCallOnNoPermissions": d.isRejectingCallOnNoPermissions,
		"showNotifications":              d.showNotifications,

		// аккаунт и разрешения системной телефонии
		"hasRegisteredPhoneAccount":   d.hasRegisteredPhoneAccount,
		"registerPhoneAccount":        d.registerPhoneAccount,
		"hasMicPermission":            d.permission(telephony.Permissions.HasMicrophone),
		"hasCallPhonePermission":      d.permission(telephony.Permissions.HasCallPhone),
		"hasReadPhoneStatePermission": d.permission(telephony.Permissions.HasReadPhoneState),
	}
	return d
}

// Methods список поддерживаемых команд
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle выполняет команду. Ошибки имеют тип *Error.
func (d *Dispatcher) Handle(ctx context.Context, name string, args Args) (any, error) {
	h, ok := d.handlers[name]
	if !ok {
		d.cfg.Metrics.Command(name, "unknown")
		return nil, unavailable("неизвестная команда "+name, nil)
	}
	if args == nil {
		args = Args{}
	}
	res, err := h(ctx, name, args)
	switch {
	case err != nil:
		d.cfg.Metrics.Command(name, "error")
		d.logger.Warn("команда завершилась ошибкой", slog.String("command", name), slog.String("error", err.Error()))
	case res == false:
		d.cfg.Metrics.Command(name, "noop")
	default:
		d.cfg.Metrics.Command(name, "ok")
	}
	return res, err
}

// sessionOp разбирает аргументы и возвращает действие над сессией
type sessionOp func(cmd string, args Args) (func(*call.Session), error)

func simple(op func(*call.Session)) sessionOp {
	return func(string, Args) (func(*call.Session), error) { return op, nil }
}

func boolCmd(key string, op func(*call.Session, bool)) sessionOp {
	return func(cmd string, args Args) (func(*call.Session), error) {
		v, err := args.boolean(cmd, key)
		if err != nil {
			return nil, err
		}
		return func(s *call.Session) { op(s, v) }, nil
	}
}

func routeCmd(key string, route telephony.AudioRoute) sessionOp {
	return boolCmd(key, func(s *call.Session, on bool) { s.ToggleAudioRoute(route, on) })
}

func sendDigits(cmd string, args Args) (func(*call.Session), error) {
	digits, err := args.str(cmd, "digits", true)
	if err != nil {
		return nil, err
	}
	return func(s *call.Session) { s.SendDigits(digits) }, nil
}

// sessionCmd находит сессию по callSid или по умолчанию и вызывает op.
// Отсутствие сессии не ошибка: команда логируется и возвращает false.
func (d *Dispatcher) sessionCmd(incoming bool, op sessionOp) handlerFunc {
	return func(_ context.Context, cmd string, args Args) (any, error) {
		apply, err := op(cmd, args)
		if err != nil {
			return nil, err
		}
		s, err := d.resolve(cmd, args, incoming)
		if err != nil {
			return nil, err
		}
		if s == nil {
			d.logger.Warn("нет сессии для команды", slog.String("command", cmd))
			return false, nil
		}
		apply(s)
		return true, nil
	}
}

func (d *Dispatcher) resolve(cmd string, args Args, incoming bool) (*call.Session, error) {
	sid, err := args.str(cmd, ArgCallSID, false)
	if err != nil {
		return nil, err
	}
	var (
		s  *call.Session
		ok bool
	)
	switch {
	case sid != "":
		s, ok = d.registry.Get(sid)
	case incoming:
		s, ok = d.registry.LookupIncoming()
	default:
		s, ok = d.registry.LookupActive()
	}
	if !ok {
		return nil, nil
	}
	return s, nil
}

func (d *Dispatcher) query(get func(*call.Session) any) handlerFunc {
	return func(_ context.Context, cmd string, args Args) (any, error) {
		s, err := d.resolve(cmd, args, false)
		if err != nil || s == nil {
			return nil, err
		}
		return get(s), nil
	}
}

func (d *Dispatcher) isOnCall(_ context.Context, _ string, _ Args) (any, error) {
	_, ok := d.registry.LookupActive()
	return ok, nil
}

func (d *Dispatcher) makeCall(ctx context.Context, cmd string, args Args) (any, error) {
	to, err := args.str(cmd, "to", true)
	if err != nil {
		return nil, err
	}
	token, err := args.str(cmd, "accessToken", true)
	if err != nil {
		return nil, err
	}
	from, err := args.str(cmd, "from", false)
	if err != nil {
		return nil, err
	}
	_, err = d.cfg.Admission.PlaceOutgoing(ctx, admission.OutgoingRequest{
		From:        from,
		To:          to,
		AccessToken: token,
		Params:      args.extras("to", "from", "accessToken", ArgCallSID),
	})
	if err != nil {
		if callerr.GetErrorCode(err) == callerr.CodeMalformedArguments {
			return nil, &Error{Code: CodeMalformedArguments, Message: "makeCall", Err: err}
		}
		// причина отказа логируется, приложение получает false
		d.logger.Info("исходящий звонок не размещен", slog.String("code", callerr.GetErrorCode(err)), slog.String("error", err.Error()))
		return false, nil
	}
	return true, nil
}

func (d *Dispatcher) tokens(cmd string, args Args) (string, string, error) {
	token, err := args.str(cmd, "accessToken", true)
	if err != nil {
		return "", "", err
	}
	device, err := args.str(cmd, "deviceToken", true)
	if err != nil {
		return "", "", err
	}
	return token, device, nil
}

func (d *Dispatcher) registerClient(ctx context.Context, cmd string, args Args) (any, error) {
	if d.cfg.SDK == nil {
		return nil, unavailable("голосовой SDK не настроен", nil)
	}
	token, device, err := d.tokens(cmd, args)
	if err != nil {
		return nil, err
	}
	if err := d.cfg.SDK.Register(ctx, token, device); err != nil {
		return nil, unavailable("регистрация в голосовом SDK", err)
	}
	return true, nil
}

func (d *Dispatcher) unregisterClient(ctx context.Context, cmd string, args Args) (any, error) {
	if d.cfg.SDK == nil {
		return nil, unavailable("голосовой SDK не настроен", nil)
	}
	token, device, err := d.tokens(cmd, args)
	if err != nil {
		return nil, err
	}
	if err := d.cfg.SDK.Unregister(ctx, token, device); err != nil {
		return nil, unavailable("отмена регистрации в голосовом SDK", err)
	}
	return true, nil
}

func (d *Dispatcher) prefs() (Preferences, error) {
	if d.cfg.Prefs == nil {
		return nil, unavailable("хранилище настроек не настроено", nil)
	}
	return d.cfg.Prefs, nil
}

// saved переводит ошибку сохранения настроек в ответ команды
func saved(err error) (any, error) {
	if err != nil {
		return nil, internal("сохранение настроек", err)
	}
	return true, nil
}

func (d *Dispatcher) defaultCaller(ctx context.Context, cmd string, args Args) (any, error) {
	p, err := d.prefs()
	if err != nil {
		return nil, err
	}
	name, err := args.str(cmd, "defaultCaller", true)
	if err != nil {
		return nil, err
	}
	return saved(p.SetDefaultCaller(ctx, name))
}

func (d *Dispatcher) registerClientName(ctx context.Context, cmd string, args Args) (any, error) {
	p, err := d.prefs()
	if err != nil {
		return nil, err
	}
	id, err := args.str(cmd, "id", true)
	if err != nil {
		return nil, err
	}
	name, err := args.str(cmd, "name", true)
	if err != nil {
		return nil, err
	}
	return saved(p.RegisterName(ctx, id, name))
}

func (d *Dispatcher) unregisterClientName(ctx context.Context, cmd string, args Args) (any, error) {
	p, err := d.prefs()
	if err != nil {
		return nil, err
	}
	id, err := args.str(cmd, "id", true)
	if err != nil {
		return nil, err
	}
	return saved(p.UnregisterName(ctx, id))
}

func (d *Dispatcher) rejectCallOnNoPermissions(ctx context.Context, cmd string, args Args) (any, error) {
	p, err := d.prefs()
	if err != nil {
		return nil, err
	}
	v, err := args.boolean(cmd, "shouldReject")
	if err != nil {
		return nil, err
	}
	return saved(p.SetRejectOnNoPermission(ctx, v))
}

func (d *Dispatcher) isRejectingCallOnNoPermissions(_ context.Context, _ string, _ Args) (any, error) {
	p, err := d.prefs()
	if err != nil {
		return nil, err
	}
	return p.RejectOnNoPermission(), nil
}

func (d *Dispatcher) showNotifications(ctx context.Context, cmd string, args Args) (any, error) {
	p, err := d.prefs()
	if err != nil {
		return nil, err
	}
	v, err := args.boolean(cmd, "show")
	if err != nil {
		return nil, err
	}
	return saved(p.SetShowNotifications(ctx, v))
}

func (d *Dispatcher) framework() (telephony.Framework, error) {
	if d.cfg.Framework == nil {
		return nil, unavailable("системная телефония недоступна", nil)
	}
	return d.cfg.Framework, nil
}

func (d *Dispatcher) hasRegisteredPhoneAccount(_ context.Context, _ string, _ Args) (any, error) {
	fw, err := d.framework()
	if err != nil {
		return nil, err
	}
	return fw.HasEnabledAccount(), nil
}

func (d *Dispatcher) registerPhoneAccount(ctx context.Context, _ string, _ Args) (any, error) {
	fw, err := d.framework()
	if err != nil {
		return nil, err
	}
	if err := fw.RegisterAccount(ctx, d.cfg.Account); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, unavailable("регистрация аккаунта прервана", err)
		}
		return nil, internal("регистрация аккаунта телефонии", err)
	}
	return true, nil
}

func (d *Dispatcher) permission(check func(telephony.Permissions) bool) handlerFunc {
	return func(_ context.Context, _ string, _ Args) (any, error) {
		fw, err := d.framework()
		if err != nil {
			return nil, err
		}
		return check(fw), nil
	}
}
