package ua

import (
	"sync"
	"time"
)

// Таймеры RFC 3261 §17 в той части, которая нужна ядру поверх
// транзакционного слоя sipgo.
const (
	// TimerT1 - оценка RTT (500ms)
	TimerT1 = 500 * time.Millisecond

	// TimerT2 - потолок интервала ретрансмиссии (4s)
	TimerT2 = 4 * time.Second

	// TimerT4 - время жизни сообщения в сети (5s)
	TimerT4 = 5 * time.Second

	// TimerF - таймаут non-INVITE транзакции (64*T1). Ядро использует его
	// как время ожидания первого NOTIFY после 2xx на REFER.
	TimerF = 64 * TimerT1

	// TimerH - ожидание ACK после отправки 2xx (64*T1)
	TimerH = 64 * TimerT1
)

// Константы RFC 4028 и RFC 3515.
const (
	// MinSessionExpires - значение Min-SE по умолчанию (90s)
	MinSessionExpires = 90 * time.Second

	// DefaultReferExpires - время жизни подписки REFER по умолчанию (180s)
	DefaultReferExpires = 180 * time.Second
)

// TimerToken идентифицирует запланированный колбэк. Нулевой токен
// никогда не выдаётся, его можно хранить как "таймер не взведён".
type TimerToken uint64

// TimerService планирует одноразовые колбэки. Все таймеры отменяемы;
// завершение сущности сводится к сбору её токенов.
//
// time.AfterFunc использует монотонные часы, перевод системного времени
// на срабатывание не влияет.
type TimerService struct {
	mu     sync.Mutex
	seq    TimerToken
	timers map[TimerToken]*time.Timer
}

// NewTimerService создаёт пустой сервис таймеров.
func NewTimerService() *TimerService {
	return &TimerService{timers: make(map[TimerToken]*time.Timer)}
}

// Schedule взводит одноразовый таймер. Колбэк выполняется в отдельной
// горутине; сущность обязана перепроверить своё состояние под мьютексом.
func (ts *TimerService) Schedule(d time.Duration, fn func()) TimerToken {
	ts.mu.Lock()
	ts.seq++
	tok := ts.seq
	ts.timers[tok] = time.AfterFunc(d, func() {
		ts.mu.Lock()
		delete(ts.timers, tok)
		ts.mu.Unlock()
		fn()
	})
	ts.mu.Unlock()
	return tok
}

// Cancel снимает таймер. Возвращает false, если таймер уже сработал,
// был отменён ранее или tok нулевой.
func (ts *TimerService) Cancel(tok TimerToken) bool {
	if tok == 0 {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.timers[tok]
	if !ok {
		return false
	}
	delete(ts.timers, tok)
	return t.Stop()
}

// Active возвращает число взведённых таймеров.
func (ts *TimerService) Active() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.timers)
}

// Shutdown снимает все таймеры.
func (ts *TimerService) Shutdown() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for tok, t := range ts.timers {
		t.Stop()
		delete(ts.timers, tok)
	}
}
