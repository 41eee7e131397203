// Пакет session содержит обёртку поверх tdsession.Storage для MTProto-сессии
// единственного аккаунта, которым управляет mcptelegram. Цели:
//   - атомарная запись файла сессии на диск (без частичных состояний);
//   - потокобезопасный доступ к файловой системе при конкурирующих вызовах
//     (хотя в этом процессе соединение одно, Load/Store могут пересекаться
//     с повторной авторизацией).
package session

import (
	"context"
	"fmt"
	"os"
	"sync"

	"mcptelegram/internal/infra/logger"
	"mcptelegram/internal/infra/storage"

	"github.com/go-faster/errors"

	tdsession "github.com/gotd/td/session"
)

// FileStorage реализует tdsession.Storage поверх обычного файла. Path
// указывает абсолютный или относительный путь до файла сессии на диске.
type FileStorage struct {
	Path string
	mux  sync.Mutex
}

var _ tdsession.Storage = (*FileStorage)(nil)

// LoadSession читает файл сессии с диска. Отсутствие файла — ожидаемый
// случай при первом запуске, он транслируется в tdsession.ErrNotFound.
func (f *FileStorage) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

// StoreSession атомарно сохраняет данные сессии на диск.
func (f *FileStorage) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}

	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return fmt.Errorf("atomic write session: %w", err)
	}

	logger.Debug("session stored")
	return nil
}
