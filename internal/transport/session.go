// Файл session.go — учёт MCP-сессий Transport Host-а. Менеджер реализует
// server.SessionIdManager из mcp-go, но, в отличие от встроенного
// InsecureStatefulSessionIdManager, помнит множество живых сессий: только так
// Host может отличить "неизвестная сессия" (-32001) от "запрос без сессии"
// (-32000) ещё до передачи запроса MCP-библиотеке.
package transport

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SessionManager раздаёт UUID-идентификаторы сессий и отслеживает их
// жизненный цикл. Потокобезопасен.
type SessionManager struct {
	mu   sync.RWMutex
	live map[string]struct{}
}

// NewSessionManager создаёт пустой менеджер.
func NewSessionManager() *SessionManager {
	return &SessionManager{live: make(map[string]struct{})}
}

// Generate выдаёт новый идентификатор для initialize-запроса и регистрирует
// сессию как живую.
func (m *SessionManager) Generate() string {
	id := uuid.NewString()
	m.mu.Lock()
	m.live[id] = struct{}{}
	m.mu.Unlock()
	return id
}

// Validate сообщает библиотеке, жива ли сессия. Неизвестный id — ошибка.
func (m *SessionManager) Validate(sessionID string) (bool, error) {
	if !m.Has(sessionID) {
		return false, fmt.Errorf("session not found: %s", sessionID)
	}
	return false, nil
}

// Terminate снимает сессию с учёта (DELETE /mcp).
func (m *SessionManager) Terminate(sessionID string) (bool, error) {
	m.mu.Lock()
	delete(m.live, sessionID)
	m.mu.Unlock()
	return false, nil
}

// Has проверяет, что сессия зарегистрирована и ещё не завершена.
func (m *SessionManager) Has(sessionID string) bool {
	m.mu.RLock()
	_, ok := m.live[sessionID]
	m.mu.RUnlock()
	return ok
}
