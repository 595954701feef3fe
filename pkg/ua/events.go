package ua

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// Originator указывает сторону, породившую событие.
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
	OriginatorSystem Originator = "system"
)

// Имена событий, доставляемых приложению.
const (
	EventNewSession = "newRTCSession"
	EventNewMessage = "newMessage"
	EventNewRefer   = "newRefer"
	EventProgress   = "progress"
	EventStarted    = "started"
	EventEnded      = "ended"
	EventFailed     = "failed"
	EventNewDTMF    = "newDTMF"
	EventReinvite   = "reinvite"
	EventRefresh    = "refresh"
	EventUpdate     = "update"
	EventSucceeded  = "succeeded"
	EventAccepted   = "accepted"
	EventNotify     = "notify"
)

// Event - полезная нагрузка события. Каждая сущность эмитит свой
// набор типизированных структур; Name идентифицирует событие.
type Event interface {
	Name() string
}

// EventHandler получает событие. Вызывается синхронно из обработчика
// сущности, поэтому не должен блокироваться и не должен синхронно
// звать методы той же сущности - кроме колбэков Accept/Reject в
// ReinviteEvent и UpdateEvent, которые для этого и предназначены.
type EventHandler func(Event)

// emitter - минимальная реализация подписки/эмиссии событий.
// Встраивается в Session, Refer, Message и UserAgent.
type emitter struct {
	mu       sync.Mutex
	handlers map[string][]EventHandler
}

// On регистрирует обработчик события name.
func (e *emitter) On(name string, h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[string][]EventHandler)
	}
	e.handlers[name] = append(e.handlers[name], h)
}

// Off снимает все обработчики события name.
func (e *emitter) Off(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, name)
}

// ListenerCount возвращает число подписчиков события name.
func (e *emitter) ListenerCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[name])
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	hs := append([]EventHandler(nil), e.handlers[ev.Name()]...)
	e.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// --- события Session ---

// ProgressEvent: получен/отправлен предварительный ответ на INVITE.
type ProgressEvent struct {
	Originator Originator
	Response   *sip.Response // nil для локального 180
}

func (ProgressEvent) Name() string { return EventProgress }

// StartedEvent: сессия подтверждена (2xx + ACK).
type StartedEvent struct {
	Originator Originator
	Response   *sip.Response
}

func (StartedEvent) Name() string { return EventStarted }

// EndedEvent: подтверждённая сессия завершена.
type EndedEvent struct {
	Originator Originator
	Message    sip.Message
	Cause      Cause
}

func (EndedEvent) Name() string { return EventEnded }

// FailedEvent: сессия (или REFER/MESSAGE) не состоялась.
type FailedEvent struct {
	Originator Originator
	Message    sip.Message
	Cause      Cause
}

func (FailedEvent) Name() string { return EventFailed }

// ReinviteEvent доставляется при входящем re-INVITE. Приложение обязано
// вызвать Accept или Reject; иначе через секунду уйдёт 180 и ядро будет
// ждать решения до таймаута транзакции.
type ReinviteEvent struct {
	Request *sip.Request
	Accept  func(body Body) error
	Reject  func(opts StatusOptions) error
}

func (ReinviteEvent) Name() string { return EventReinvite }

// UpdateEvent доставляется при входящем UPDATE с телом.
type UpdateEvent struct {
	Request *sip.Request
	Accept  func(body Body) error
	Reject  func(opts StatusOptions) error
}

func (UpdateEvent) Name() string { return EventUpdate }

// RefreshEvent: session timer просит локальную сторону освежить сессию.
type RefreshEvent struct {
	Originator Originator
}

func (RefreshEvent) Name() string { return EventRefresh }

// NewDTMFEvent: отправлен или получен DTMF сигнал.
type NewDTMFEvent struct {
	Originator Originator
	Tone       string
	Duration   int // миллисекунды
}

func (NewDTMFEvent) Name() string { return EventNewDTMF }

// --- события Refer ---

// AcceptedEvent: удалённая сторона ответила 2xx на REFER.
type AcceptedEvent struct {
	Originator Originator
	Response   *sip.Response
}

func (AcceptedEvent) Name() string { return EventAccepted }

// NotifyEvent: получен (или синтезирован) NOTIFY по подписке REFER.
// SessionEvent распарсен из sipfrag: progress (<200), started (<300),
// failed (>=300).
type NotifyEvent struct {
	Originator   Originator
	Request      *sip.Request // nil для синтезированного final notify
	Status       SipfragStatus
	SessionEvent string
	FinalNotify  bool
}

func (NotifyEvent) Name() string { return EventNotify }

// --- события Message ---

// SucceededEvent: MESSAGE подтверждён 2xx.
type SucceededEvent struct {
	Originator Originator
	Response   *sip.Response
}

func (SucceededEvent) Name() string { return EventSucceeded }

// --- события UserAgent ---

// NewSessionEvent: новая сессия (входящая или исходящая).
type NewSessionEvent struct {
	Originator Originator
	Session    *Session
	Request    *sip.Request
}

func (NewSessionEvent) Name() string { return EventNewSession }

// NewMessageEvent: новый MESSAGE (входящий или исходящий).
type NewMessageEvent struct {
	Originator Originator
	Message    *Message
	Request    *sip.Request
}

func (NewMessageEvent) Name() string { return EventNewMessage }

// NewReferEvent: новый REFER (входящий или исходящий).
type NewReferEvent struct {
	Originator Originator
	Refer      *Refer
	Request    *sip.Request
}

func (NewReferEvent) Name() string { return EventNewRefer }
