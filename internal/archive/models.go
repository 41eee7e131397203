// Пакет archive реализует структуры данных таблиц jobs/messages; операции
// над ними — в store.go.
package archive

import "time"

// Статусы задания синхронизации.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusIdle       = "idle"
	StatusError      = "error"
)

// Job — запись таблицы jobs: ровно одна строка на
// channel_id, не более одной строки со статусом in_progress одновременно
// (это свойство поддерживается Sync Worker-ом, не самой схемой).
type Job struct {
	ID                 uint `gorm:"primaryKey"`
	ChannelID          string `gorm:"uniqueIndex;not null"`
	PeerTitle          string
	PeerType           string
	Status             string `gorm:"not null;default:pending"`
	LastMessageID      int    `gorm:"not null;default:0"`
	OldestMessageID    *int
	TargetMessageCount int `gorm:"not null;default:1000"`
	MessageCount       int `gorm:"not null;default:0"`
	LastSyncedAt       *time.Time
	Error              *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Job) TableName() string { return "jobs" }

// Message — запись таблицы messages. UNIQUE(channel_id,
// message_id) делает InsertMessages идемпотентным через ON CONFLICT DO NOTHING.
type Message struct {
	ID        uint   `gorm:"primaryKey"`
	ChannelID string `gorm:"uniqueIndex:idx_channel_message,priority:1;not null"`
	MessageID int    `gorm:"uniqueIndex:idx_channel_message,priority:2;not null"`
	Date      *int64
	FromID    *string
	Text      *string
	RawJSON   string `gorm:"column:raw_json"`
	CreatedAt time.Time
}

func (Message) TableName() string { return "messages" }

// Stats — агрегат архива канала, который возвращает MessageStats:
// total, min/max id, min/max date.
type Stats struct {
	Total   int64
	MinID   *int
	MaxID   *int
	MinDate *int64
	MaxDate *int64
}
