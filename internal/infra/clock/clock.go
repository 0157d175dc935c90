// Пакет clock — единая точка получения текущего времени в таймзоне приложения.
// nowFn выведен в переменную, чтобы тесты могли подставить фиксированные часы.
package clock

import (
	"time"

	"telegram-broadcast/internal/infra/config"
)

var nowFn = time.Now

// Now возвращает текущее время в глобальной таймзоне приложения.
func Now() time.Time {
	return nowFn().In(config.AppLocation)
}

// SetNowFunc подменяет источник времени (для тестов). Передача nil возвращает
// time.Now.
func SetNowFunc(fn func() time.Time) {
	if fn == nil {
		nowFn = time.Now
		return
	}
	nowFn = fn
}
