// Package media определяет медиа-коллаборатора сигнального ядра:
// источник локальных SDP описаний и приёмник удалённых. Транспорт
// медиа (RTP, ICE, кодеки) остаётся за реализацией.
package media

import "context"

// Handler - медиа-обработчик, которым владеет ровно одна сессия.
// Все методы зовутся из обработчиков сессии, блокироваться нельзя.
type Handler interface {
	// CreateOffer возвращает локальное SDP предложение.
	CreateOffer(ctx context.Context) ([]byte, error)

	// CreateAnswer возвращает SDP ответ на принятый ранее offer.
	CreateAnswer(ctx context.Context) ([]byte, error)

	// SetRemoteDescription принимает SDP удалённой стороны
	// (offer или answer). Ошибка означает неприемлемое описание.
	SetRemoteDescription(body []byte) error

	// Close освобождает ресурсы обработчика.
	Close() error
}
