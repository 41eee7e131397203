// Пакет dialogindex хранит в памяти процесса каталог диалогов, который
// шлюз собирает при старте через IterDialogs. Источник правды остаётся за
// MTProto: индекс никогда не персистируется на диск и всегда перестраивается
// заново; только кэш access-hash-ей в internal/peercache переживает
// перезапуск.
package dialogindex

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"mcptelegram/internal/mcperr"
	"mcptelegram/internal/telegram/gateway"
	"mcptelegram/internal/telegram/peer"
)

// Entry — запись индекса: каноническая ссылка на собеседника плюс то, что
// нужно для поиска и отображения (title/username). Совпадает по форме с
// gateway.Dialog — это ровно то, что возвращает IterDialogs.
type Entry = gateway.Dialog

// DialogSource абстрагирует шлюз настолько, насколько нужно индексу:
// полное перечисление диалогов для наполнения и refresh-on-miss.
type DialogSource interface {
	IterDialogs(ctx context.Context) ([]Entry, error)
}

// Index — потокобезопасный (через sync.RWMutex) каталог диалогов. Писатель —
// только Initialize: при старте и при однократном refresh-on-miss из Get и
// Lookup. Tool Dispatcher эти вызовы не упорядочивает; конкурентные записи
// сериализует write-блокировка мьютекса, читатели берут read-блокировку.
type Index struct {
	mu      sync.RWMutex
	order   []string // порядок вставки == порядок, в котором Telegram вернул диалоги
	entries map[string]Entry
	source  DialogSource
}

// New создаёт пустой индекс поверх источника диалогов (обычно *gateway.Gateway).
func New(source DialogSource) *Index {
	return &Index{
		entries: make(map[string]Entry),
		source:  source,
	}
}

// Initialize наполняет индекс: вызывающий уже должен был выполнить
// Authenticate на шлюзе; здесь мы только потребляем IterDialogs и заполняем
// карту, сохраняя порядок (Telegram отдаёт недавно активные первыми).
func (idx *Index) Initialize(ctx context.Context) error {
	entries, err := idx.source.IterDialogs(ctx)
	if err != nil {
		return fmt.Errorf("dialogindex: initialize: %w", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.order = idx.order[:0]
	idx.entries = make(map[string]Entry, len(entries))
	for _, e := range entries {
		key := e.Reference.String()
		if _, exists := idx.entries[key]; !exists {
			idx.order = append(idx.order, key)
		}
		idx.entries[key] = e
	}
	return nil
}

// List возвращает первые N записей в порядке вставки.
func (idx *Index) List(limit int) []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if limit <= 0 || limit > len(idx.order) {
		limit = len(idx.order)
	}
	result := make([]Entry, 0, limit)
	for _, key := range idx.order[:limit] {
		result = append(result, idx.entries[key])
	}
	return result
}

// Search — регистронезависимое подстрочное совпадение по title и username,
// не более limit результатов; сканирование останавливается сразу после
// набора нужного количества.
func (idx *Index) Search(keyword string, limit int) []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if limit <= 0 {
		return nil
	}
	needle := strings.ToLower(keyword)

	result := make([]Entry, 0, limit)
	for _, key := range idx.order {
		e := idx.entries[key]
		if strings.Contains(strings.ToLower(e.DisplayName), needle) ||
			strings.Contains(strings.ToLower(e.Username), needle) {
			result = append(result, e)
			if len(result) >= limit {
				break
			}
		}
	}
	return result
}

// Get — O(1)-поиск по ключу; при промахе допускается однократное
// обновление всего индекса через Initialize, затем повторный поиск; если
// собеседник всё ещё не найден — mcperr.ErrNotFound.
func (idx *Index) Get(ctx context.Context, ref peer.Reference) (Entry, error) {
	key := ref.String()

	idx.mu.RLock()
	entry, ok := idx.entries[key]
	idx.mu.RUnlock()
	if ok {
		return entry, nil
	}

	if err := idx.Initialize(ctx); err != nil {
		return Entry{}, err
	}

	idx.mu.RLock()
	entry, ok = idx.entries[key]
	idx.mu.RUnlock()
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", mcperr.ErrNotFound, key)
	}
	return entry, nil
}

// Lookup находит запись по канонической ссылке любого вида: числовой id идёт
// через Get (O(1) + refresh-on-miss), username — линейным поиском по полю
// Username с тем же однократным обновлением при промахе.
func (idx *Index) Lookup(ctx context.Context, ref peer.Reference) (Entry, error) {
	if ref.IsID {
		return idx.Get(ctx, ref)
	}

	if entry, ok := idx.byUsername(ref.Username); ok {
		return entry, nil
	}
	if err := idx.Initialize(ctx); err != nil {
		return Entry{}, err
	}
	if entry, ok := idx.byUsername(ref.Username); ok {
		return entry, nil
	}
	return Entry{}, fmt.Errorf("%w: @%s", mcperr.ErrNotFound, ref.Username)
}

func (idx *Index) byUsername(username string) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, key := range idx.order {
		e := idx.entries[key]
		if e.Username != "" && e.Username == username {
			return e, true
		}
	}
	return Entry{}, false
}
