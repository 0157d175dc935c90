// Package main — точка входа broadcastd.
// Здесь парсим флаги, загружаем конфигурацию, настраиваем логирование и
// организуем корректное завершение по системным сигналам (Ctrl+C/SIGTERM).
// Главная задача: инициализировать App для выбранной роли и отдать ему управление.

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telegram-broadcast/internal/app"
	"telegram-broadcast/internal/infra/config"
	"telegram-broadcast/internal/infra/logger"
)

// main поднимает окружение, стартует приложение и блокируется до завершения.
// Порядок:
//  1. flags/env: путь к .env, опциональная роль поверх ROLE,
//  2. config: загрузка и валидация,
//  3. logger: уровень,
//  4. signals: контекст с отменой по Ctrl+C/SIGTERM,
//  5. app: Init(ctx) и Run().
func main() {
	log.SetFlags(0)
	log.SetPrefix(time.Now().Format("2006-01-02 15:04:05 "))

	// envPath определяет расположение .env с секретами и общими настройками.
	envPath := flag.String("env", "assets/.env", "path to .env file")
	// role позволяет переопределить ROLE из окружения (app | worker).
	role := flag.String("role", "", "process role: app or worker (overrides env ROLE)")
	flag.Parse()

	if *role != "" {
		if err := os.Setenv("ROLE", *role); err != nil {
			log.Fatalf("failed to set role: %v", err)
		}
	}

	// config.Load загружает конфигурацию из .env и окружения.
	if err := config.Load(*envPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(config.Env().LogLevel)

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM). Важно: stop() нужно вызвать, чтобы снять подписку.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.New(config.Env().Role)
	if iniErr := a.Init(ctx); iniErr != nil {
		stop()
		log.Fatalf("app init failed: %v", iniErr)
	}

	// Запускаем основной цикл; блокируется до shutdown.
	if runErr := a.Run(); runErr != nil {
		stop()
		log.Fatalf("app run failed: %v", runErr)
	}
	stop()
	log.Println("Graceful shutdown complete")
}
