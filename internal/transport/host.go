// Package transport — Transport Host: HTTP-обвязка вокруг MCP-сервера.
// Сам JSON-RPC-фрейминг и streamable-HTTP-протокол отдан mcp-go; здесь — строгий
// контракт сессий (заголовок mcp-session-id, коды -32000/-32001), /health,
// OPTIONS и единый 404 для неизвестных путей.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"mcptelegram/internal/infra/logger"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

const (
	sessionHeader = "Mcp-Session-Id"
	mcpPath       = "/mcp"

	readHeaderTimeout = 15 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Коды JSON-RPC-ошибок уровня транспорта.
const (
	codeBadRequest      = -32000
	codeSessionNotFound = -32001
	codeMethodNotFound  = -32601
)

// Host поднимает HTTP-эндпоинт /mcp поверх server.MCPServer и управляет
// жизненным циклом http.Server-а.
type Host struct {
	srv        *http.Server
	streamable *server.StreamableHTTPServer
	sessions   *SessionManager
}

// New собирает Host по адресу host:port. Инструменты должны быть
// зарегистрированы на mcpServer до первого запроса.
func New(mcpServer *server.MCPServer, host string, port int) *Host {
	sessions := NewSessionManager()
	streamable := server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath(mcpPath),
		server.WithSessionIdManager(sessions),
	)

	h := &Host{
		streamable: streamable,
		sessions:   sessions,
	}

	h.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           h.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	return h
}

// Handler возвращает корневой маршрутизатор Host-а. Выделен отдельно, чтобы
// тесты могли гонять контракт сессий через httptest без слушающего сокета.
func (h *Host) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(mcpPath, h.handleMCP)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/", h.handleUnknown)
	return mux
}

// Start запускает HTTP-сервер в отдельной горутине; ошибки слушателя (кроме
// штатного закрытия) лишь логируются — остановить процесс из-за занятого
// порта должен вызывающий через первый же неуспешный запрос.
func (h *Host) Start() {
	go func() {
		logger.Info("mcp host listening", zap.String("addr", h.srv.Addr))
		if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("mcp host stopped", zap.Error(err))
		}
	}()
}

// Shutdown перестаёт принимать соединения и дожидается активных запросов.
func (h *Host) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return h.srv.Shutdown(ctx)
}

// handleMCP — контракт сессий перед делегированием в mcp-go:
//   - OPTIONS всегда 204 (CORS preflight агентских клиентов);
//   - неизвестный session id → -32001 "Session not found";
//   - запрос без session id, не являющийся initialize → -32000.
func (h *Host) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	if sessionID != "" && !h.sessions.Has(sessionID) {
		writeRPCError(w, http.StatusNotFound, codeSessionNotFound, "Session not found")
		return
	}

	if sessionID == "" {
		if r.Method != http.MethodPost {
			writeRPCError(w, http.StatusBadRequest, codeBadRequest, "Bad Request: No valid session ID provided")
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeRPCError(w, http.StatusBadRequest, codeBadRequest, "Bad Request: unreadable body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if !isInitializeRequest(body) {
			writeRPCError(w, http.StatusBadRequest, codeBadRequest, "Bad Request: No valid session ID provided")
			return
		}
	}

	h.streamable.ServeHTTP(w, r)
}

func (h *Host) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Host) handleUnknown(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeRPCError(w, http.StatusNotFound, codeMethodNotFound, "Method not found")
}

// isInitializeRequest распознаёт initialize в одиночном запросе или любым
// элементом батча, не валидируя остальную структуру — этим займётся mcp-go.
func isInitializeRequest(body []byte) bool {
	type rpcMethod struct {
		Method string `json:"method"`
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []rpcMethod
		if err := json.Unmarshal(body, &batch); err != nil {
			return false
		}
		for _, m := range batch {
			if m.Method == "initialize" {
				return true
			}
		}
		return false
	}

	var single rpcMethod
	if err := json.Unmarshal(body, &single); err != nil {
		return false
	}
	return single.Method == "initialize"
}

func writeRPCError(w http.ResponseWriter, httpStatus, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)

	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      nil,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write rpc error", zap.Error(err))
	}
}
