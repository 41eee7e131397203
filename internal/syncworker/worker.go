// Package syncworker реализует фоновый архиватор: единственный на
// процесс цикл заданий, который для каждого канала сначала дотягивает новые
// сообщения (newer-sync), затем докачивает историю вглубь до целевой глубины
// (backfill), сохраняя прогресс в Archive Store после каждого шага. Повторный
// вход в цикл защищён флагом processing; FLOOD_WAIT обрабатывается переводом
// задания обратно в pending и прерываемой паузой, любая другая ошибка
// фиксируется в поле error задания без падения процесса.
package syncworker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mcptelegram/internal/archive"
	"mcptelegram/internal/infra/clock"
	"mcptelegram/internal/infra/logger"
	"mcptelegram/internal/infra/throttle"
	"mcptelegram/internal/mcperr"
	"mcptelegram/internal/telegram/gateway"
	"mcptelegram/internal/telegram/peer"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// HistorySource — то, что воркеру нужно от Telegram Gateway: постраничное
// чтение истории по канонической ссылке. Выделено в интерфейс, чтобы тесты
// гоняли цикл на фиктивной истории без MTProto.
type HistorySource interface {
	History(ctx context.Context, ref peer.Reference, opts gateway.HistoryOptions) ([]gateway.Message, error)
}

// Config — тюнинг цикла; значения по умолчанию приходят из конфигурации
// процесса (SYNC_BATCH_SIZE, SYNC_INTER_JOB_DELAY_SECONDS,
// SYNC_INTER_BATCH_DELAY_MS).
type Config struct {
	BatchSize       int
	InterJobDelay   time.Duration
	InterBatchDelay time.Duration
	// BatchJitter размывает паузу между батчами (итоговая пауза —
	// [InterBatchDelay, InterBatchDelay+BatchJitter)).
	BatchJitter time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.InterJobDelay <= 0 {
		c.InterJobDelay = 3 * time.Second
	}
	if c.InterBatchDelay <= 0 {
		c.InterBatchDelay = time.Second
	}
	if c.BatchJitter < 0 {
		c.BatchJitter = 0
	}
	return c
}

// Worker — однопоточный цикл заданий. Сообщения и прогресс заданий пишутся в
// Archive Store только отсюда; инструменты читают архив и лишь ставят или
// перевзводят задания через UpsertJob.
type Worker struct {
	store  *archive.Store
	source HistorySource
	cfg    Config

	runCtx    context.Context
	cancelRun context.CancelFunc

	processing atomic.Bool // ровно один активный цикл
	wg         sync.WaitGroup
}

// New собирает воркер поверх открытого Archive Store и источника истории.
func New(store *archive.Store, source HistorySource, cfg Config) *Worker {
	return &Worker{
		store:  store,
		source: source,
		cfg:    cfg.withDefaults(),
	}
}

// Start привязывает воркер к контексту процесса. Цикл не запускается — только
// готовится инфраструктура; первый Resume() поднимет горутину.
func (w *Worker) Start(ctx context.Context) {
	w.runCtx, w.cancelRun = context.WithCancel(ctx)
}

// Resume запускает цикл обработки, если он ещё не идёт. Безопасен для
// конкурентных вызовов из многих MCP-сессий: CAS на processing гарантирует
// не более одного активного processJob в любой момент.
func (w *Worker) Resume() {
	if w.runCtx == nil || w.runCtx.Err() != nil {
		return
	}
	if !w.processing.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.processing.Store(false)
		w.loop()
	}()
}

// Shutdown останавливает цикл (дождавшись конца текущего задания) и закрывает
// базу. Паузы — включая FLOOD_WAIT-ожидание — прерываются отменой контекста.
func (w *Worker) Shutdown() {
	if w.cancelRun != nil {
		w.cancelRun()
	}
	w.wg.Wait()
	if err := w.store.Close(); err != nil {
		logger.Warn("close archive store", zap.Error(err))
	}
}

// loop: пока есть задания в статусе pending/in_progress, обрабатывает
// их по одному в порядке updated_at ASC, со сном между заданиями.
func (w *Worker) loop() {
	for {
		if w.runCtx.Err() != nil {
			return
		}

		job, err := w.store.NextJob()
		if err != nil {
			logger.Error("next job", zap.Error(err))
			return
		}
		if job == nil {
			return
		}

		w.processJob(job)

		if !throttle.Sleep(w.runCtx, w.cfg.InterJobDelay) {
			return
		}
	}
}

// processJob выполняет обе фазы (newer-sync, backfill) и финализирует
// строку задания.
// Ошибки не возвращаются: FLOOD_WAIT переводит задание в pending с паузой,
// всё остальное — в error с текстом.
func (w *Worker) processJob(job *archive.Job) {
	ref, err := peer.Decode(job.ChannelID)
	if err != nil {
		w.failJob(job, fmt.Errorf("decode channel id %q: %w", job.ChannelID, err))
		return
	}

	if err := w.store.UpdateJob(job.ID, map[string]any{"status": archive.StatusInProgress}); err != nil {
		logger.Error("mark job in_progress", zap.Uint("job", job.ID), zap.Error(err))
		return
	}

	logger.Info("sync job started",
		zap.String("channel", job.ChannelID),
		zap.Int("last_message_id", job.LastMessageID),
		zap.Int("target", job.TargetMessageCount))

	hasMoreNewer, err := w.syncNewer(job, ref)
	if err != nil {
		w.handleSyncError(job, err)
		return
	}

	hasMoreOlder, count, err := w.backfill(job, ref)
	if err != nil {
		w.handleSyncError(job, err)
		return
	}

	status := archive.StatusIdle
	if hasMoreNewer || hasMoreOlder {
		status = archive.StatusPending
	}

	fields := map[string]any{
		"peer_title":           job.PeerTitle,
		"peer_type":            job.PeerType,
		"status":               status,
		"last_message_id":      job.LastMessageID,
		"message_count":        count,
		"target_message_count": job.TargetMessageCount,
		"last_synced_at":       clock.Now(),
		"error":                nil,
	}
	if job.OldestMessageID != nil {
		fields["oldest_message_id"] = *job.OldestMessageID
	}
	if err := w.store.UpdateJob(job.ID, fields); err != nil {
		logger.Error("finalize job", zap.Uint("job", job.ID), zap.Error(err))
		return
	}

	logger.Info("sync job finished",
		zap.String("channel", job.ChannelID),
		zap.String("status", status),
		zap.Int64("message_count", count))
}

// syncNewer — фаза A: выбирает сообщения строго новее last_message_id,
// сортирует по возрастанию id и кладёт в архив. Модифицирует job.LastMessageID
// и job.OldestMessageID in-memory; персист — в финализации processJob.
func (w *Worker) syncNewer(job *archive.Job, ref peer.Reference) (bool, error) {
	batch := w.cfg.BatchSize
	msgs, err := w.source.History(w.runCtx, ref, gateway.HistoryOptions{
		Limit: batch,
		MinID: job.LastMessageID,
	})
	if err != nil {
		return false, errors.Wrap(err, "newer-sync history")
	}

	newer := make([]gateway.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID > job.LastMessageID {
			newer = append(newer, m)
		}
	}
	if len(newer) == 0 {
		return false, nil
	}

	sort.Slice(newer, func(i, j int) bool { return newer[i].ID < newer[j].ID })

	if err := w.store.InsertMessages(toRecords(job.ChannelID, newer)); err != nil {
		return false, errors.Wrap(err, "newer-sync insert")
	}

	minID, maxID := newer[0].ID, newer[len(newer)-1].ID
	if maxID > job.LastMessageID {
		job.LastMessageID = maxID
	}
	if job.OldestMessageID == nil || minID < *job.OldestMessageID {
		oldest := minID
		job.OldestMessageID = &oldest
	}

	return len(msgs) == batch, nil
}

// backfill — фаза B: докачивает историю вглубь от oldest_message_id (или от
// последнего известного id, если oldest ещё не определён) до тех пор, пока в
// архиве не наберётся target сообщений либо история не кончится.
func (w *Worker) backfill(job *archive.Job, ref peer.Reference) (bool, int64, error) {
	count, err := w.store.CountMessages(job.ChannelID)
	if err != nil {
		return false, 0, errors.Wrap(err, "backfill count")
	}
	target := int64(job.TargetMessageCount)
	if count >= target {
		return false, count, nil
	}

	offsetID := job.LastMessageID
	if job.OldestMessageID != nil {
		offsetID = *job.OldestMessageID
	}

	inserted := 0
	for count < target {
		if w.runCtx.Err() != nil {
			break
		}

		chunkSize := w.cfg.BatchSize
		if remaining := int(target - count); remaining < chunkSize {
			chunkSize = remaining
		}

		chunk, err := w.source.History(w.runCtx, ref, gateway.HistoryOptions{
			Limit:    chunkSize,
			OffsetID: offsetID,
		})
		if err != nil {
			return inserted > 0, count, errors.Wrap(err, "backfill history")
		}
		if len(chunk) == 0 {
			break
		}

		if err := w.store.InsertMessages(toRecords(job.ChannelID, chunk)); err != nil {
			return inserted > 0, count, errors.Wrap(err, "backfill insert")
		}
		inserted += len(chunk)

		minID := chunk[0].ID
		for _, m := range chunk {
			if m.ID < minID {
				minID = m.ID
			}
		}
		if job.OldestMessageID == nil || minID < *job.OldestMessageID {
			oldest := minID
			job.OldestMessageID = &oldest
		}
		offsetID = minID

		count, err = w.store.CountMessages(job.ChannelID)
		if err != nil {
			return inserted > 0, count, errors.Wrap(err, "backfill recount")
		}
		if count >= target {
			break
		}

		if !throttle.SleepJitter(w.runCtx, w.cfg.InterBatchDelay, w.cfg.BatchJitter) {
			break
		}
	}

	return inserted > 0 && count < target, count, nil
}

// handleSyncError: FLOOD_WAIT переводит задание обратно в pending и
// выдерживает прерываемую паузу (задание подберёт следующая итерация цикла);
// остальные ошибки фиксируются в строке задания со статусом error.
func (w *Worker) handleSyncError(job *archive.Job, err error) {
	var flood *mcperr.FloodWaitError
	if errors.As(err, &flood) {
		text := fmt.Sprintf("Rate limited, waiting %ds", flood.Seconds)
		if updErr := w.store.UpdateJob(job.ID, map[string]any{
			"status": archive.StatusPending,
			"error":  text,
		}); updErr != nil {
			logger.Error("mark job rate-limited", zap.Uint("job", job.ID), zap.Error(updErr))
		}
		logger.Warn("sync rate limited",
			zap.String("channel", job.ChannelID),
			zap.Int("seconds", flood.Seconds))
		throttle.Sleep(w.runCtx, time.Duration(flood.Seconds)*time.Second)
		return
	}

	w.failJob(job, err)
}

func (w *Worker) failJob(job *archive.Job, err error) {
	logger.Error("sync job failed", zap.String("channel", job.ChannelID), zap.Error(err))
	if markErr := w.store.MarkError(job.ID, err.Error()); markErr != nil {
		logger.Error("mark job error", zap.Uint("job", job.ID), zap.Error(markErr))
	}
}

// toRecords переводит нормализованные сообщения шлюза в строки таблицы
// messages; raw_json хранит исходный объект целиком для отладки
// (pattern-scan в SearchMessages идёт по полю text).
func toRecords(channelID string, msgs []gateway.Message) []archive.Message {
	records := make([]archive.Message, 0, len(msgs))
	for _, m := range msgs {
		rec := archive.Message{
			ChannelID: channelID,
			MessageID: m.ID,
			Date:      m.Date,
		}
		if m.Text != "" {
			text := m.Text
			rec.Text = &text
		}
		if m.FromID != "" {
			from := m.FromID
			rec.FromID = &from
		}
		if raw, err := json.Marshal(m.Raw); err == nil {
			rec.RawJSON = string(raw)
		}
		records = append(records, rec)
	}
	return records
}
