package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按模块分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown          ErrorCode = 1000
	ErrInvalidParam     ErrorCode = 1001
	ErrNotFound         ErrorCode = 1002
	ErrAlreadyExists    ErrorCode = 1003
	ErrPermissionDenied ErrorCode = 1004
	ErrTimeout          ErrorCode = 1005
	ErrCanceled         ErrorCode = 1006

	// 对局错误 (2000-2999)
	ErrInsufficientFunds ErrorCode = 2000
	ErrGameConflict      ErrorCode = 2001
	ErrSelfJoin          ErrorCode = 2002
	ErrNotYourTurn       ErrorCode = 2003
	ErrInvalidMove       ErrorCode = 2004
	ErrGameNotExpired    ErrorCode = 2005

	// 结算错误 (3000-3999)
	ErrExternalLedger      ErrorCode = 3000
	ErrEscrowNotReady      ErrorCode = 3001
	ErrEscrowConflict      ErrorCode = 3002
	ErrInvalidWinner       ErrorCode = 3003
	ErrConfirmationTimeout ErrorCode = 3004
	ErrTxReverted          ErrorCode = 3005

	// 通信错误 (4000-4999)
	ErrWebSocketSend   ErrorCode = 4000
	ErrWebSocketClosed ErrorCode = 4001
	ErrMessageFormat   ErrorCode = 4002

	// 数据库错误 (5000-5999)
	ErrDatabaseConnect    ErrorCode = 5000
	ErrDatabaseQuery      ErrorCode = 5001
	ErrDatabaseInsert     ErrorCode = 5002
	ErrDatabaseUpdate     ErrorCode = 5003
	ErrTransaction        ErrorCode = 5004
	ErrInvariantViolation ErrorCode = 5005

	// 配置错误 (6000-6999)
	ErrConfigLoad      ErrorCode = 6000
	ErrConfigValidate  ErrorCode = 6001
	ErrUnknownCurrency ErrorCode = 6002

	// 安全错误 (7000-7999)
	ErrAuthentication ErrorCode = 7000
	ErrTokenExpired   ErrorCode = 7001
	ErrTokenInvalid   ErrorCode = 7002
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	ErrUnknown:          "未知错误",
	ErrInvalidParam:     "无效的参数",
	ErrNotFound:         "资源未找到",
	ErrAlreadyExists:    "资源已存在",
	ErrPermissionDenied: "权限不足",
	ErrTimeout:          "操作超时",
	ErrCanceled:         "操作已取消",

	ErrInsufficientFunds: "余额不足",
	ErrGameConflict:      "对局状态不允许该操作",
	ErrSelfJoin:          "不能加入自己创建的对局",
	ErrNotYourTurn:       "还没轮到你走棋",
	ErrInvalidMove:       "非法着法",
	ErrGameNotExpired:    "对局尚未超时",

	ErrExternalLedger:      "外部账本调用失败",
	ErrEscrowNotReady:      "托管合约记录不存在",
	ErrEscrowConflict:      "托管合约状态冲突",
	ErrInvalidWinner:       "获胜地址不是对局参与者",
	ErrConfirmationTimeout: "交易确认超时",
	ErrTxReverted:          "交易已回滚",

	ErrWebSocketSend:   "WebSocket发送失败",
	ErrWebSocketClosed: "WebSocket连接已关闭",
	ErrMessageFormat:   "消息格式错误",

	ErrDatabaseConnect:    "数据库连接失败",
	ErrDatabaseQuery:      "数据库查询失败",
	ErrDatabaseInsert:     "数据库插入失败",
	ErrDatabaseUpdate:     "数据库更新失败",
	ErrTransaction:        "事务处理失败",
	ErrInvariantViolation: "账本不变量被破坏",

	ErrConfigLoad:      "配置加载失败",
	ErrConfigValidate:  "配置验证失败",
	ErrUnknownCurrency: "不支持的币种",

	ErrAuthentication: "认证失败",
	ErrTokenExpired:   "令牌已过期",
	ErrTokenInvalid:   "无效的令牌",
}

// AppError 应用错误结构
type AppError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details string       `json:"details,omitempty"`
	Cause   error        `json:"-"`
	Stack   []StackFrame `json:"-"`
}

// StackFrame 调用栈帧
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加详细信息
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause 添加原因错误
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	if cause != nil && e.Details == "" {
		e.Details = cause.Error()
	}
	return e
}

// New 创建新的应用错误
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	err.captureStack(2)

	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装错误，已经是AppError的保留原始错误码
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		if len(details) > 0 {
			appErr.Details = strings.Join(details, "; ") + "; " + appErr.Details
		}
		return appErr
	}

	appErr = New(code, details...)
	appErr.Cause = err
	if appErr.Details == "" {
		appErr.Details = err.Error()
	}

	return appErr
}

// Wrapf 包装格式化错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// As 从错误链中取出AppError
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is 判断错误链中是否包含指定错误码
func Is(err error, code ErrorCode) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// GetCode 获取错误码
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ErrUnknown
}

// captureStack 捕获调用栈
func (e *AppError) captureStack(skip int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return
	}

	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()

		if !strings.Contains(frame.Function, "runtime.") &&
			!strings.Contains(frame.Function, "ChessInBse/internal/errors.") {
			e.Stack = append(e.Stack, StackFrame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})
		}

		// 只保留前10个栈帧
		if !more || len(e.Stack) >= 10 {
			break
		}
	}
}

// GetStack 获取格式化的调用栈
func (e *AppError) GetStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var builder strings.Builder
	for i, frame := range e.Stack {
		builder.WriteString(fmt.Sprintf("%d. %s\n   %s:%d\n",
			i+1, frame.Function, frame.File, frame.Line))
	}
	return builder.String()
}

// HTTPStatus 返回对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrInvalidParam, ErrInsufficientFunds, ErrUnknownCurrency:
		return 400
	case ErrAuthentication, ErrTokenExpired, ErrTokenInvalid:
		return 401
	case ErrPermissionDenied, ErrNotYourTurn, ErrGameNotExpired:
		return 403
	case ErrNotFound:
		return 404
	case ErrTimeout:
		return 408
	case ErrAlreadyExists, ErrGameConflict, ErrSelfJoin, ErrEscrowConflict, ErrEscrowNotReady:
		return 409
	case ErrInvalidMove, ErrInvalidWinner:
		return 422
	case ErrExternalLedger, ErrConfirmationTimeout, ErrTxReverted:
		return 502
	}
	if e.Code >= 5000 && e.Code <= 5999 && e.Code != ErrInvariantViolation {
		return 503
	}
	return 500
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case ErrTimeout,
		ErrExternalLedger,
		ErrEscrowNotReady,
		ErrConfirmationTimeout,
		ErrTxReverted,
		ErrDatabaseConnect:
		return true
	default:
		return false
	}
}

// IsCritical 判断是否为严重错误
func IsCritical(err error) bool {
	switch GetCode(err) {
	case ErrDatabaseConnect,
		ErrConfigLoad,
		ErrInvariantViolation:
		return true
	default:
		return false
	}
}

// ErrorResponse API错误响应结构
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Error     *AppError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(err *AppError, requestID string) *ErrorResponse {
	return &ErrorResponse{
		Success:   false,
		Error:     err,
		RequestID: requestID,
		Timestamp: time.Now().Unix(),
	}
}
