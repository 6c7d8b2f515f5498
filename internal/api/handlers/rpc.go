// rpc.go — управляющий endpoint /jsonrpc: постановка задач и состояние очереди.
//
// Запрос: {"ver":[x,y,z],"token":"...","code":0|1,"data":{...}}.
// Ответ всегда в конверте Result (см. api/errors).
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	apierrors "github.com/bigkaa/goartstore/fetch-module/internal/api/errors"
	"github.com/bigkaa/goartstore/fetch-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/fetch-module/internal/config"
	"github.com/bigkaa/goartstore/fetch-module/internal/domain/model"
	"github.com/bigkaa/goartstore/fetch-module/internal/domain/taskstate"
	"github.com/bigkaa/goartstore/fetch-module/internal/queue"
)

// maxRPCBody — ограничение размера тела запроса.
const maxRPCBody = 1 << 20

// RequestCode — код операции RPC.
type RequestCode int

const (
	// RequestAdd — поставить видео в очередь
	RequestAdd RequestCode = 0
	// RequestState — состояние очереди
	RequestState RequestCode = 1
)

// Request — запрос RPC.
type Request struct {
	Ver   []int           `json:"ver"`
	Token string          `json:"token"`
	Code  RequestCode     `json:"code"`
	Data  json.RawMessage `json:"data"`
}

// TaskQueue — очередь задач скачивания.
type TaskQueue interface {
	Submit(task *model.VideoTask) error
	State() map[string]queue.Snapshot
}

// SourceIndex — поиск записи каталога по источнику.
type SourceIndex interface {
	FindBySource(source string) (*model.Video, bool)
}

// RPCHandler обрабатывает /jsonrpc.
type RPCHandler struct {
	queue    TaskQueue
	catalog  SourceIndex
	authType string
	token    string
	logger   *slog.Logger

	// addMu сериализует проверку источника и постановку в очередь
	addMu sync.Mutex
}

// NewRPCHandler создаёт обработчик RPC. Проверка токена в теле запроса
// включается при authType = config.AuthToken.
func NewRPCHandler(q TaskQueue, catalog SourceIndex, authType, token string, logger *slog.Logger) *RPCHandler {
	return &RPCHandler{
		queue:    q,
		catalog:  catalog,
		authType: authType,
		token:    token,
		logger:   logger.With(slog.String("component", "rpc")),
	}
}

// rpcError — ошибка с кодом результата.
type rpcError struct {
	code apierrors.ResultCode
	msg  string
}

func (e *rpcError) Error() string { return e.msg }

func badRequest(format string, args ...any) *rpcError {
	return &rpcError{code: apierrors.ResultBadRequest, msg: fmt.Sprintf(format, args...)}
}

// ServeHTTP обрабатывает POST и GET /jsonrpc.
func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res, err := h.handle(r)
	if err != nil {
		var re *rpcError
		if !errors.As(err, &re) {
			h.logger.Error("Необработанная ошибка RPC", slog.String("error", err.Error()))
			re = &rpcError{code: apierrors.ResultUnhandled, msg: err.Error()}
		}
		res = apierrors.NewResult(re.code, re.msg, nil)
	}
	middleware.OperationsTotal.WithLabelValues("rpc", res.Code.String()).Inc()
	apierrors.WriteResult(w, res)
}

func (h *RPCHandler) handle(r *http.Request) (apierrors.Result, error) {
	req, err := h.decode(r)
	if err != nil {
		return apierrors.Result{}, err
	}
	if err := h.authenticate(req); err != nil {
		return apierrors.Result{}, err
	}

	switch req.Code {
	case RequestAdd:
		return h.add(r, req)
	case RequestState:
		h.logger.Debug("Запрос состояния очереди", slog.Any("ver", req.Ver))
		return apierrors.NewResult(apierrors.ResultOK, "", h.queue.State()), nil
	default:
		return apierrors.Result{}, badRequest("неизвестный код запроса %d", req.Code)
	}
}

// decode проверяет тип содержимого и разбирает запрос.
func (h *RPCHandler) decode(r *http.Request) (*Request, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || (mediaType != "application/json" && !strings.HasSuffix(mediaType, "+json")) {
		return nil, badRequest("ожидается Content-Type application/json")
	}

	var req Request
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRPCBody))
	if err := dec.Decode(&req); err != nil {
		return nil, badRequest("некорректный JSON запроса: %v", err)
	}
	return &req, nil
}

// authenticate проверяет токен запроса в режиме token.
func (h *RPCHandler) authenticate(req *Request) error {
	if h.authType != config.AuthToken {
		return nil
	}
	if !config.ValidTokenFormat(req.Token) {
		return badRequest("некорректный формат токена")
	}
	if req.Token != h.token {
		return &rpcError{code: apierrors.ResultUnauthorized, msg: "не авторизован"}
	}
	return nil
}

// add ставит задачу в очередь, если источник ещё не скачан и не в работе.
func (h *RPCHandler) add(r *http.Request, req *Request) (apierrors.Result, error) {
	if len(req.Data) == 0 || string(req.Data) == "null" {
		return apierrors.Result{}, badRequest("не переданы данные задачи")
	}
	var task model.VideoTask
	if err := json.Unmarshal(req.Data, &task); err != nil {
		return apierrors.Result{}, badRequest("некорректные данные задачи: %v", err)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if err := task.Validate(); err != nil {
		return apierrors.Result{}, badRequest("%v", err)
	}

	task.Normalize()

	h.addMu.Lock()
	defer h.addMu.Unlock()
	if _, ok := h.catalog.FindBySource(task.Source); ok || h.sourceQueued(task.Source) {
		return apierrors.NewResult(apierrors.ResultExists, "уже существует", nil), nil
	}

	if err := h.queue.Submit(&task); err != nil {
		if errors.Is(err, queue.ErrAlreadyActive) {
			return apierrors.NewResult(apierrors.ResultExists, "задача уже выполняется", nil), nil
		}
		return apierrors.Result{}, err
	}

	h.logger.Info("Задача принята",
		slog.String("task_id", task.ID),
		slog.String("source", task.Source),
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
	)
	return apierrors.NewResult(apierrors.ResultOK, "добавлено", map[string]string{"id": task.ID}), nil
}

// sourceQueued — источник уже ждёт или скачивается.
func (h *RPCHandler) sourceQueued(source string) bool {
	for _, snap := range h.queue.State() {
		if snap.Video == nil || snap.Video.Source != source {
			continue
		}
		if snap.State == taskstate.Waiting || snap.State == taskstate.Downloading {
			return true
		}
	}
	return false
}
