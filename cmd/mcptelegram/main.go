// Package main — точка входа mcptelegram.
// Здесь парсим флаги, загружаем конфигурацию, настраиваем логирование и
// организуем корректное завершение по системным сигналам (Ctrl+C/SIGTERM).
// Главная задача: инициализировать App и отдать ему управление, обеспечив graceful shutdown.

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mcptelegram/internal/app"
	"mcptelegram/internal/infra/config"
	"mcptelegram/internal/infra/logger"
)

// main поднимает окружение, стартует приложение и блокируется до завершения.
// Порядок:
//  1. flags/env: путь к .env,
//  2. config: загрузка и предупреждения,
//  3. logger: уровень и (опционально) файл с ротацией,
//  4. signals: контекст с отменой по Ctrl+C/SIGTERM (stop обязателен к вызову),
//  5. app: Init(ctx, stop) и Run().
//
// Любая ошибка инициализации завершает процесс кодом 1; чистый shutdown — кодом 0.
func main() {
	log.SetFlags(0)
	log.SetPrefix(time.Now().Format("2006-01-02 15:04:05 "))

	// envPath определяет расположение .env с секретами и общими настройками.
	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(config.Env().LogLevel)
	if path := config.Env().LogFile; path != "" {
		logger.SetFile(path)
	}
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM). Важно: stop() нужно вызвать, чтобы снять подписку.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.NewApp()
	if iniErr := a.Init(ctx, stop); iniErr != nil {
		stop()
		log.Fatalf("app init failed: %v", iniErr)
	}

	// Запускаем основной цикл; блокируется до shutdown. Отмена контекста по
	// сигналу — штатный путь завершения, не ошибка.
	if runErr := a.Run(); runErr != nil && !errors.Is(runErr, context.Canceled) {
		stop()
		log.Fatalf("app run failed: %v", runErr)
	}

	stop()
	log.Println("Graceful shutdown complete")
}
