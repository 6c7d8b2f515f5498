// Пакет errors — формат ошибок HTTP API Fetch Module.
//
// Обычные endpoints отвечают телом {"error": {"code": "...", "message": "..."}}
// через WriteError. Управляющий endpoint /jsonrpc всегда отвечает
// конвертом Result с числовым кодом (WriteResult).
package errors //nolint:revive // конфликт имени со stdlib, импортируется как apierrors

import (
	"encoding/json"
	"net/http"
)

// Коды ошибок обычных endpoints.
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeReconcileInProgress = "RECONCILE_IN_PROGRESS"
	CodeInternalError       = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// ReconcileInProgress — 409 сверка уже выполняется.
func ReconcileInProgress(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeReconcileInProgress, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}

// ResultCode — код результата RPC.
type ResultCode int

// Коды результата RPC. Значения входят в протокол и не меняются.
const (
	ResultUninitialized ResultCode = -1
	ResultOK            ResultCode = 0
	ResultBadRequest    ResultCode = 1
	ResultForbidden     ResultCode = 2
	ResultUnauthorized  ResultCode = 3
	ResultUnhandled     ResultCode = 4
	ResultExists        ResultCode = 5
	ResultNotFound      ResultCode = 6
	ResultPathNotFound  ResultCode = 7
)

var resultNames = map[ResultCode]string{
	ResultUninitialized: "Uninitialized",
	ResultOK:            "OK",
	ResultBadRequest:    "BadRequest",
	ResultForbidden:     "Forbidden",
	ResultUnauthorized:  "Unauthorized",
	ResultUnhandled:     "Unhandled",
	ResultExists:        "Exists",
	ResultNotFound:      "NotFound",
	ResultPathNotFound:  "PathNotFound",
}

func (c ResultCode) String() string {
	if s, ok := resultNames[c]; ok {
		return s
	}
	return "Unknown"
}

// ResultVersion — версия формата конверта.
const ResultVersion = 1

// Result — конверт ответа RPC.
type Result struct {
	Ver  int        `json:"ver"`
	Code ResultCode `json:"code"`
	Msg  string     `json:"msg,omitempty"`
	Data any        `json:"data,omitempty"`
}

// NewResult создаёт конверт с кодом и сообщением.
func NewResult(code ResultCode, msg string, data any) Result {
	return Result{Ver: ResultVersion, Code: code, Msg: msg, Data: data}
}

// WriteResult записывает конверт RPC. ResultUnhandled отдаётся с HTTP 500,
// остальные коды — с HTTP 200.
func WriteResult(w http.ResponseWriter, res Result) {
	status := http.StatusOK
	if res.Code == ResultUnhandled {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
