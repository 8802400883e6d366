// Package callerr содержит структурированные ошибки жизненного цикла звонка.
//
// Ошибки допуска и валидации возвращаются вызывающему коду и логируются,
// но никогда не пересекают границу актора сессии в виде паники.
package callerr

import (
	"errors"
	"fmt"
	"time"
)

// Category категория ошибки для классификации
type Category string

const (
	CategoryValidation Category = "VALIDATION"
	CategoryPermission Category = "PERMISSION"
	CategoryAccount    Category = "ACCOUNT"
	CategoryState      Category = "STATE"
	CategorySession    Category = "SESSION"
	CategorySDK        Category = "SDK"
	CategoryNetwork    Category = "NETWORK"
	CategoryTelephony  Category = "TELEPHONY"
)

// Severity уровень критичности ошибки
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityError    Severity = "ERROR"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

// Коды ошибок
const (
	CodeMalformedArguments     = "MALFORMED_ARGUMENTS"
	CodePermissionMissing      = "PERMISSION_MISSING"
	CodeAccountNotRegistered   = "ACCOUNT_NOT_REGISTERED"
	CodeSessionNotFound        = "SESSION_NOT_FOUND"
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	CodeSDKConnectFailure      = "SDK_CONNECT_FAILURE"
	CodeNetworkReconnect       = "NETWORK_RECONNECT"
	CodeCallGroupBusy          = "CALL_GROUP_BUSY"
	CodeOSAdmissionFailed      = "OS_ADMISSION_FAILED"
)

// CallError структурированная ошибка с контекстом звонка
type CallError struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Category Category `json:"category"`
	Severity Severity `json:"severity"`

	CallID    string    `json:"call_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// SDKCode код ошибки облачного SDK, передается без изменений
	SDKCode int `json:"sdk_code,omitempty"`

	Fields    map[string]interface{} `json:"fields,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
}

// Error реализует интерфейс error
func (e *CallError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("[%s:%s] %s (call: %s)", e.Category, e.Code, e.Message, e.CallID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *CallError) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду, чтобы работали сравнения с образцами вида ErrSessionNotFound.
func (e *CallError) Is(target error) bool {
	var t *CallError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithField добавляет поле контекста
func (e *CallError) WithField(key string, value interface{}) *CallError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *CallError) WithCause(cause error) *CallError {
	e.Cause = cause
	return e
}

// WithCall привязывает ошибку к звонку
func (e *CallError) WithCall(callID string) *CallError {
	e.CallID = callID
	return e
}

// Reason возвращает короткую причину для событий и логов
func (e *CallError) Reason() string {
	return e.Message
}

// New создает новую структурированную ошибку
func New(code, message string, category Category, severity Severity) *CallError {
	return &CallError{
		Code:      code,
		Message:   message,
		Category:  category,
		Severity:  severity,
		Timestamp: time.Now(),
	}
}

// Образцы для errors.Is
var (
	ErrMalformedArguments     = &CallError{Code: CodeMalformedArguments}
	ErrPermissionMissing      = &CallError{Code: CodePermissionMissing}
	ErrAccountNotRegistered   = &CallError{Code: CodeAccountNotRegistered}
	ErrSessionNotFound        = &CallError{Code: CodeSessionNotFound}
	ErrInvalidStateTransition = &CallError{Code: CodeInvalidStateTransition}
	ErrSDKConnectFailure      = &CallError{Code: CodeSDKConnectFailure}
	ErrNetworkReconnect       = &CallError{Code: CodeNetworkReconnect}
	ErrCallGroupBusy          = &CallError{Code: CodeCallGroupBusy}
	ErrOSAdmissionFailed      = &CallError{Code: CodeOSAdmissionFailed}
)

// MalformedArguments аргументы команды не прошли проверку
func MalformedArguments(command, reason string) *CallError {
	return New(
		CodeMalformedArguments,
		fmt.Sprintf("некорректные аргументы команды %s: %s", command, reason),
		CategoryValidation,
		SeverityError,
	).WithField("command", command).WithField("reason", reason)
}

// PermissionMissing отсутствует разрешение
func PermissionMissing(permission string) *CallError {
	return New(
		CodePermissionMissing,
		fmt.Sprintf("нет разрешения %s", permission),
		CategoryPermission,
		SeverityWarning,
	).WithField("permission", permission)
}

// AccountNotRegistered нет включенного аккаунта, способного принимать звонки
func AccountNotRegistered() *CallError {
	return New(
		CodeAccountNotRegistered,
		"нет включенного аккаунта телефонии",
		CategoryAccount,
		SeverityWarning,
	)
}

// SessionNotFound сессия не найдена в реестре
func SessionNotFound(callID string) *CallError {
	return New(
		CodeSessionNotFound,
		"сессия не найдена",
		CategorySession,
		SeverityWarning,
	).WithCall(callID)
}

// InvalidStateTransition операция невозможна в текущем состоянии
func InvalidStateTransition(callID, state, operation string) *CallError {
	return New(
		CodeInvalidStateTransition,
		fmt.Sprintf("операция '%s' невозможна в состоянии %s", operation, state),
		CategoryState,
		SeverityWarning,
	).WithCall(callID).WithField("state", state).WithField("operation", operation)
}

// SDKConnectFailure ошибка подключения облачного SDK; код и сообщение сохраняются как есть
func SDKConnectFailure(callID string, code int, message string) *CallError {
	err := New(CodeSDKConnectFailure, message, CategorySDK, SeverityError).WithCall(callID)
	err.SDKCode = code
	return err
}

// NetworkReconnect временная потеря сети, не терминальная
func NetworkReconnect(callID string, code int, message string) *CallError {
	err := New(CodeNetworkReconnect, message, CategoryNetwork, SeverityInfo).WithCall(callID)
	err.SDKCode = code
	err.Retryable = true
	return err
}

// CallGroupBusy в группе звонков уже есть активный звонок
func CallGroupBusy(activeCallID string) *CallError {
	return New(
		CodeCallGroupBusy,
		"busy",
		CategoryTelephony,
		SeverityWarning,
	).WithField("active_call", activeCallID)
}

// OSAdmissionFailed подсистема телефонии не приняла звонок
func OSAdmissionFailed(callID string, cause error) *CallError {
	return New(
		CodeOSAdmissionFailed,
		"подсистема телефонии отклонила звонок",
		CategoryTelephony,
		SeverityError,
	).WithCall(callID).WithCause(cause)
}

// IsTemporary проверяет, является ли ошибка временной
func IsTemporary(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetErrorCode извлекает код ошибки
func GetErrorCode(err error) string {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return "UNKNOWN_ERROR"
}
