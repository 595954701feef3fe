package ua

import (
	"context"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// Границы DTMF. Запятая в строке тонов - пауза 2 секунды.
const (
	dtmfDefaultDuration = 100  // мс
	dtmfMinDuration     = 70   // мс
	dtmfMaxDuration     = 6000 // мс
	dtmfDefaultGap      = 500  // мс
	dtmfMinGap          = 50   // мс
	dtmfCommaPause      = 2000 * time.Millisecond
)

const dtmfValidTones = "0123456789ABCD#*,"

// dtmfQueue - очередь исходящих DTMF сигналов поверх INFO
// (application/dtmf-relay). Новые тоны дописываются к активной очереди;
// провал любого тона бросает остаток очереди.
type dtmfQueue struct {
	session  *Session
	pending  []rune
	running  bool
	duration int
	gap      int
}

func newDTMFQueue(s *Session) *dtmfQueue {
	return &dtmfQueue{session: s}
}

// SendDTMF ставит тоны в очередь отправки. Длительность клампится в
// [70, 6000] мс, межтоновый интервал - снизу в 50 мс.
func (s *Session) SendDTMF(tones string, opts DTMFOptions) error {
	if tones == "" {
		return invalidArg("tones", "empty")
	}
	tones = strings.ToUpper(tones)
	for _, t := range tones {
		if !strings.ContainsRune(dtmfValidTones, t) {
			return invalidArg("tones", "allowed characters are 0-9 A-D # * ,")
		}
	}

	duration := opts.Duration
	switch {
	case duration == 0:
		duration = dtmfDefaultDuration
	case duration < dtmfMinDuration:
		duration = dtmfMinDuration
	case duration > dtmfMaxDuration:
		duration = dtmfMaxDuration
	}
	gap := opts.InterToneGap
	switch {
	case gap == 0:
		gap = dtmfDefaultGap
	case gap < dtmfMinGap:
		gap = dtmfMinGap
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.fsm.Current()
	if state != SessionConfirmed && state != SessionWaitingForAck {
		return ErrNotConfirmed
	}
	if len(s.allowed) > 0 && !s.allowed[sip.INFO] {
		return errors.New("peer does not allow INFO")
	}

	s.dtmf.duration = duration
	s.dtmf.gap = gap
	s.dtmf.pending = append(s.dtmf.pending, []rune(tones)...)
	if !s.dtmf.running {
		s.dtmf.running = true
		go s.dtmf.run()
	}
	return nil
}

func (q *dtmfQueue) run() {
	s := q.session
	for {
		s.mu.Lock()
		if len(q.pending) == 0 || s.fsm.Current() == SessionTerminated {
			q.running = false
			q.pending = nil
			s.mu.Unlock()
			return
		}
		tone := q.pending[0]
		q.pending = q.pending[1:]
		duration, gap := q.duration, q.gap
		dialog := s.dialog
		s.mu.Unlock()

		if tone == ',' {
			time.Sleep(dtmfCommaPause)
			continue
		}

		if err := q.sendTone(dialog, string(tone), duration); err != nil {
			s.ua.log.Debug("DTMF tone failed, abandoning queue",
				"session", s.id, "tone", string(tone), "err", err.Error())
			q.abandon()
			return
		}
		s.emit(NewDTMFEvent{Originator: OriginatorLocal, Tone: string(tone), Duration: duration})
		time.Sleep(time.Duration(gap) * time.Millisecond)
	}
}

// sendTone шлёт один тон и ждёт финальный ответ.
func (q *dtmfQueue) sendTone(dialog *Dialog, tone string, duration int) error {
	s := q.session

	s.mu.Lock()
	if dialog == nil || dialog.State() == DialogTerminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	req := dialog.BuildRequest(sip.INFO)
	req.SetBody(buildDTMFRelay(tone, duration))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), TimerF)
	defer cancel()
	tx, err := s.ua.tl.TransactionRequest(ctx, req)
	if err != nil {
		return errors.Wrap(err, "send INFO")
	}
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return errors.New("transaction closed")
			}
			if res.StatusCode < 200 {
				continue
			}
			if res.StatusCode >= 300 {
				return errors.Errorf("INFO rejected: %d", res.StatusCode)
			}
			return nil
		case <-tx.Done():
			return errors.New("INFO transaction timed out")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// abandon сбрасывает очередь при провале тона.
func (q *dtmfQueue) abandon() {
	s := q.session
	s.mu.Lock()
	q.abandonLocked()
	s.mu.Unlock()
}

// abandonLocked - вариант для вызова под мьютексом сессии.
func (q *dtmfQueue) abandonLocked() {
	q.pending = nil
	q.running = false
}
