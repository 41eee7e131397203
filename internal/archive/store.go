// Пакет archive реализует Archive Store: встроенную реляционную базу
// (SQLite через чистый Go-драйвер glebarez/sqlite, без cgo) с таблицами jobs
// и messages. Схема эволюционирует через AutoMigrate — тем самым добавление
// новых optional-колонок (oldest_message_id, target_message_count,
// message_count) идемпотентно при каждом запуске.
package archive

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	applogger "mcptelegram/internal/infra/logger"
	"mcptelegram/internal/mcperr"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Store — обёртка над *gorm.DB. Запись в messages монопольно принадлежит
// Sync Worker-у; jobs пишут и Sync Worker, и Tool Dispatcher (UpsertJob из
// scheduleMessageSync). Читатели обращаются к тем же методам без
// дополнительной блокировки — gorm сериализует доступ к единственному
// sqlite-файлу сам.
type Store struct {
	db *gorm.DB
	mu sync.Mutex // сериализует записи между собой; методы чтения её не берут
}

// Open открывает (создавая при отсутствии) файл базы данных по пути path,
// включает WAL-журналирование и прогоняет автомиграцию схемы.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", mcperr.ErrDatabaseError, err)
	}

	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		return nil, fmt.Errorf("%w: enable WAL: %v", mcperr.ErrDatabaseError, err)
	}

	if err := db.AutoMigrate(&Job{}, &Message{}); err != nil {
		return nil, fmt.Errorf("%w: auto-migrate: %v", mcperr.ErrDatabaseError, err)
	}

	applogger.Info("archive store opened", zap.String("path", path))
	return &Store{db: db}, nil
}

// Close отпускает файловый дескриптор базы.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertJob создаёт или перевзводит задание канала: статус сбрасывается в
// pending, ошибка очищается, target обновляется. Если строки ещё нет —
// создаётся новая.
func (s *Store) UpsertJob(channelID, peerTitle, peerType string, target int) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job Job
	err := s.db.Where("channel_id = ?", channelID).First(&job).Error
	if err == nil {
		job.PeerTitle = peerTitle
		job.PeerType = peerType
		job.Status = StatusPending
		job.Error = nil
		if target > 0 {
			job.TargetMessageCount = target
		}
		if err := s.db.Save(&job).Error; err != nil {
			return nil, fmt.Errorf("%w: update job: %v", mcperr.ErrDatabaseError, err)
		}
		return &job, nil
	}
	if !isRecordNotFound(err) {
		return nil, fmt.Errorf("%w: lookup job: %v", mcperr.ErrDatabaseError, err)
	}

	newJob := Job{
		ChannelID:          channelID,
		PeerTitle:          peerTitle,
		PeerType:           peerType,
		Status:             StatusPending,
		TargetMessageCount: defaultTarget(target),
	}
	if err := s.db.Create(&newJob).Error; err != nil {
		return nil, fmt.Errorf("%w: create job: %v", mcperr.ErrDatabaseError, err)
	}
	return &newJob, nil
}

func defaultTarget(target int) int {
	if target > 0 {
		return target
	}
	return 1000
}

func isRecordNotFound(err error) bool {
	return err == gorm.ErrRecordNotFound
}

// ListJobs возвращает все задания, отсортированные по updated_at DESC.
func (s *Store) ListJobs() ([]Job, error) {
	var jobs []Job
	if err := s.db.Order("updated_at DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", mcperr.ErrDatabaseError, err)
	}
	return jobs, nil
}

// NextJob возвращает первую строку со статусом pending или in_progress,
// упорядочивая по updated_at ASC; nil, если таких нет.
func (s *Store) NextJob() (*Job, error) {
	var job Job
	err := s.db.
		Where("status IN ?", []string{StatusPending, StatusInProgress}).
		Order("updated_at ASC").
		First(&job).Error
	if isRecordNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: next job: %v", mcperr.ErrDatabaseError, err)
	}
	return &job, nil
}

// UpdateJob — частичное обновление строки задания.
func (s *Store) UpdateJob(id uint, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Model(&Job{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		return fmt.Errorf("%w: update job %d: %v", mcperr.ErrDatabaseError, id, err)
	}
	return nil
}

// MarkError переводит задание в статус error, сохраняя текст ошибки.
func (s *Store) MarkError(id uint, text string) error {
	return s.UpdateJob(id, map[string]any{
		"status": StatusError,
		"error":  text,
	})
}

// InsertMessages пишет пачку сообщений одной транзакцией; конфликты по
// (channel_id, message_id) молча игнорируются.
func (s *Store) InsertMessages(records []Message) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&records).Error
	})
	if err != nil {
		return fmt.Errorf("%w: insert messages: %v", mcperr.ErrDatabaseError, err)
	}
	return nil
}

// CountMessages возвращает число заархивированных сообщений канала.
func (s *Store) CountMessages(channelID string) (int64, error) {
	var count int64
	if err := s.db.Model(&Message{}).Where("channel_id = ?", channelID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("%w: count messages: %v", mcperr.ErrDatabaseError, err)
	}
	return count, nil
}

// MessageStats возвращает агрегаты архива канала: total, min/max id, min/max date.
func (s *Store) MessageStats(channelID string) (Stats, error) {
	var stats Stats
	row := s.db.Model(&Message{}).
		Select("COUNT(*) as total, MIN(message_id) as min_id, MAX(message_id) as max_id, MIN(date) as min_date, MAX(date) as max_date").
		Where("channel_id = ?", channelID).
		Row()

	if err := row.Scan(&stats.Total, &stats.MinID, &stats.MaxID, &stats.MinDate, &stats.MaxDate); err != nil {
		return Stats{}, fmt.Errorf("%w: message stats: %v", mcperr.ErrDatabaseError, err)
	}
	return stats, nil
}

// SearchMessages — линейный просмотр текста сообщений канала, применяющий
// переданное регулярное выражение (синтаксис RE2).
func (s *Store) SearchMessages(channelID, pattern string, limit int, caseInsensitive bool) ([]Message, error) {
	expr := pattern
	if caseInsensitive {
		expr = "(?i)" + pattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mcperr.ErrInvalidPattern, err)
	}

	var all []Message
	if err := s.db.
		Where("channel_id = ?", channelID).
		Order("message_id ASC").
		Find(&all).Error; err != nil {
		return nil, fmt.Errorf("%w: search messages: %v", mcperr.ErrDatabaseError, err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].MessageID < all[j].MessageID })

	result := make([]Message, 0, limit)
	for _, msg := range all {
		if msg.Text == nil || !re.MatchString(*msg.Text) {
			continue
		}
		result = append(result, msg)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}
