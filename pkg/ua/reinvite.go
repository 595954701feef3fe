package ua

import (
	"context"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// ReinviteOptions - параметры исходящего re-INVITE.
type ReinviteOptions struct {
	ExtraHeaders []sip.Header
	Body         Body
}

// Reinvite - эфемерная суб-машина модификации сессии. Живёт на
// подтверждённом диалоге сессии и переиспользует пространство состояний
// INVITE. Одновременно активен не более одного re-INVITE.
type Reinvite struct {
	session   *Session
	direction Direction
	fsm       *fsm.FSM

	req *sip.Request

	provisionalTok TimerToken
	retransTok     TimerToken
	ackTok         TimerToken
	okResponse     *sip.Response

	answered bool
	reaped   bool
}

func newReinviteFSM(initial string) *fsm.FSM {
	return fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: "progress", Src: []string{SessionInviteSent, Session1xxReceived}, Dst: Session1xxReceived},
			{Name: "answer", Src: []string{SessionInviteReceived}, Dst: SessionWaitingForAck},
			{Name: "ack", Src: []string{SessionWaitingForAck}, Dst: SessionConfirmed},
			{Name: "confirm", Src: []string{SessionInviteSent, Session1xxReceived}, Dst: SessionConfirmed},
			{Name: "cancel", Src: []string{SessionInviteSent, Session1xxReceived, SessionInviteReceived}, Dst: SessionCanceled},
			{Name: "terminate", Src: []string{
				SessionInviteSent, Session1xxReceived, SessionInviteReceived,
				SessionWaitingForAck, SessionCanceled, SessionConfirmed,
			}, Dst: SessionTerminated},
		},
		nil,
	)
}

// active сообщает, что суб-машина ещё не дошла до терминального
// состояния и блокирует следующий модификатор.
func (r *Reinvite) active() bool {
	if r == nil {
		return false
	}
	switch r.fsm.Current() {
	case SessionConfirmed, SessionCanceled, SessionTerminated:
		return false
	}
	return true
}

// reap молча гасит суб-машину при завершении сессии: таймеры снимаются,
// события больше не эмитятся.
func (r *Reinvite) reap() {
	if r == nil {
		return
	}
	r.reaped = true
	ts := r.session.ua.timers
	ts.Cancel(r.provisionalTok)
	ts.Cancel(r.retransTok)
	ts.Cancel(r.ackTok)
	r.okResponse = nil
}

// --- входящий re-INVITE ---

// handleReinvite обрабатывает INVITE внутри диалога. Конкурирующая
// модификация отбивается 491; конфликт на уровне транзакции диалог
// уже отбил 500-кой.
func (s *Session) handleReinvite(req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fsm.Current() != SessionConfirmed || s.reinvite.active() || s.update.activeIncoming() {
		res := sip.NewResponseFromRequest(req, 491, defaultReason(491), nil)
		// gatekeeper уже закэшировал эту транзакцию: финал через обёртку
		if s.dialog != nil && s.dialog.lastInviteTx != nil && s.dialog.lastInviteTx.tx == tx {
			_ = s.dialog.lastInviteTx.respond(res)
		} else {
			_ = tx.Respond(res)
		}
		return
	}

	r := &Reinvite{
		session:   s,
		direction: DirectionIncoming,
		fsm:       newReinviteFSM(SessionInviteReceived),
		req:       req,
	}
	s.reinvite = r

	// если приложение медлит, через секунду уходит провизионный 180
	r.provisionalTok = s.ua.timers.Schedule(time.Second, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if r.reaped || r.answered || r.fsm.Current() != SessionInviteReceived {
			return
		}
		ringing := sip.NewResponseFromRequest(req, 180, defaultReason(180), nil)
		_ = tx.Respond(ringing)
	})

	ev := ReinviteEvent{
		Request: req,
		Accept:  func(body Body) error { return s.acceptReinvite(r, body) },
		Reject:  func(opts StatusOptions) error { return s.rejectReinvite(r, opts) },
	}
	s.mu.Unlock()
	s.emit(ev)
	s.mu.Lock()
}

// acceptReinvite шлёт 200 на re-INVITE и ждёт ACK как при начальном
// INVITE: ретрансмиссия 2xx и Timer H.
func (s *Session) acceptReinvite(r *Reinvite, body Body) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.reaped || r != s.reinvite {
		return ErrTerminated
	}
	if r.answered || r.fsm.Current() != SessionInviteReceived {
		return invalidState("accept reinvite", r.fsm.Current())
	}

	if s.media != nil && len(r.req.Body()) > 0 {
		if err := s.media.SetRemoteDescription(r.req.Body()); err != nil {
			s.rejectReinviteLocked(r, StatusOptions{StatusCode: 488})
			return errors.Wrap(err, "remote description")
		}
	}
	if body.IsZero() && s.media != nil {
		answer, err := s.media.CreateAnswer(context.Background())
		if err != nil {
			return errors.Wrap(err, "create answer")
		}
		body = Body{Content: answer, ContentType: "application/sdp"}
	}

	s.ua.timers.Cancel(r.provisionalTok)
	r.answered = true

	s.dialog.TargetRefresh(r.req)
	s.dialog.ProcessSessionTimerHeaders(r.req, true)

	res := sip.NewResponseFromRequest(r.req, 200, defaultReason(200), body.Content)
	res.AppendHeader(s.ua.contactHeader())
	if !body.IsZero() {
		res.AppendHeader(sip.NewHeader("Content-Type", body.ContentType))
	}
	if s.dialog.sessTimer.interval > 0 {
		refresher := "uac"
		if s.dialog.sessTimer.localRefresher {
			refresher = "uas"
		}
		res.AppendHeader(sip.NewHeader("Session-Expires",
			sessionExpiresHeader(s.dialog.sessTimer.interval, refresher)))
	}
	if err := s.dialog.lastInviteTx.respond(res); err != nil {
		return errors.Wrap(err, "send 200")
	}
	r.okResponse = res
	_ = r.fsm.Event(context.Background(), "answer")
	r.startAckWait()
	return nil
}

// rejectReinvite отклоняет только модификацию: сессия остаётся
// подтверждённой.
func (s *Session) rejectReinvite(r *Reinvite, opts StatusOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejectReinviteLocked(r, opts)
}

func (s *Session) rejectReinviteLocked(r *Reinvite, opts StatusOptions) error {
	if r.reaped || r != s.reinvite {
		return ErrTerminated
	}
	if r.answered || r.fsm.Current() != SessionInviteReceived {
		return invalidState("reject reinvite", r.fsm.Current())
	}
	status := opts.StatusCode
	if status == 0 {
		status = 488
	}
	if status < 300 || status > 699 {
		return invalidArg("status_code", "must be 300..699")
	}
	s.ua.timers.Cancel(r.provisionalTok)
	reason := opts.ReasonPhrase
	if reason == "" {
		reason = defaultReason(status)
	}
	_ = s.dialog.lastInviteTx.respond(sip.NewResponseFromRequest(r.req, status, reason, nil))
	_ = r.fsm.Event(context.Background(), "terminate")
	s.reinvite = nil
	return nil
}

func (r *Reinvite) startAckWait() {
	s := r.session
	r.scheduleRetransmit(TimerT1)
	r.ackTok = s.ua.timers.Schedule(TimerH, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if r.reaped || r.fsm.Current() != SessionWaitingForAck {
			return
		}
		r.reap()
		s.reinvite = nil
		// ACK на re-INVITE не пришёл: сессию держать нельзя
		s.sendByeLocked(nil)
		s.terminateLocked()
		s.emitEnded(OriginatorRemote, nil, CauseNoACK)
	})
}

func (r *Reinvite) scheduleRetransmit(interval time.Duration) {
	s := r.session
	r.retransTok = s.ua.timers.Schedule(interval, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if r.reaped || r.fsm.Current() != SessionWaitingForAck || r.okResponse == nil {
			return
		}
		_ = s.dialog.lastInviteTx.tx.Respond(r.okResponse)
		next := interval * 2
		if next > TimerT2 {
			next = TimerT2
		}
		r.scheduleRetransmit(next)
	})
}

// handleAck отдаёт ACK активному re-INVITE. true - ACK потреблён.
func (r *Reinvite) handleAck(req *sip.Request) bool {
	if r == nil || r.reaped || r.fsm.Current() != SessionWaitingForAck {
		return false
	}
	s := r.session
	s.ua.timers.Cancel(r.retransTok)
	s.ua.timers.Cancel(r.ackTok)
	r.okResponse = nil
	_ = r.fsm.Event(context.Background(), "ack")
	s.reinvite = nil
	return true
}

// --- исходящий re-INVITE ---

// SendReinvite модифицирует подтверждённую сессию. Разрешён только из
// Confirmed и только когда предыдущий модификатор завершён.
func (s *Session) SendReinvite(ctx context.Context, opts ReinviteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fsm.Current() != SessionConfirmed {
		return ErrNotConfirmed
	}
	if s.reinvite.active() {
		return ErrPendingModifier
	}

	body := opts.Body
	if body.IsZero() && s.media != nil {
		offer, err := s.media.CreateOffer(ctx)
		if err != nil {
			return errors.Wrap(err, "create offer")
		}
		body = Body{Content: offer, ContentType: "application/sdp"}
	}

	req := s.dialog.BuildRequest(sip.INVITE, opts.ExtraHeaders...)
	if !body.IsZero() {
		req.SetBody(body.Content)
		req.AppendHeader(sip.NewHeader("Content-Type", body.ContentType))
	}

	tx, err := s.ua.tl.TransactionRequest(ctx, req)
	if err != nil {
		return errors.Wrap(err, "send re-INVITE")
	}

	r := &Reinvite{
		session:   s,
		direction: DirectionOutgoing,
		fsm:       newReinviteFSM(SessionInviteSent),
		req:       req,
	}
	s.reinvite = r

	go r.responseLoop(tx)
	return nil
}

func (r *Reinvite) responseLoop(tx sip.ClientTransaction) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			if done := r.handleResponse(res); done {
				return
			}
		case <-tx.Done():
			r.finish()
			return
		}
	}
}

func (r *Reinvite) handleResponse(res *sip.Response) bool {
	s := r.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.reaped {
		return true
	}
	switch {
	case res.StatusCode < 200:
		_ = r.fsm.Event(context.Background(), "progress")
		return false

	case res.StatusCode < 300:
		if s.media != nil && len(res.Body()) > 0 {
			_ = s.media.SetRemoteDescription(res.Body())
		}
		if uri := extractURIFromHeaderValue(headerValue(res, "Contact")); uri != nil {
			s.dialog.remoteTarget = *uri
		}
		s.dialog.ProcessSessionTimerHeaders(res, false)
		_ = r.fsm.Event(context.Background(), "confirm")
		s.sendAckLocked(s.dialog)
		if r == s.reinvite {
			s.reinvite = nil
		}
		return true

	default:
		// отказ модификации (включая 491): сессия остаётся подтверждённой
		_ = r.fsm.Event(context.Background(), "terminate")
		if r == s.reinvite {
			s.reinvite = nil
		}
		return true
	}
}

func (r *Reinvite) finish() {
	s := r.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.reaped {
		return
	}
	_ = r.fsm.Event(context.Background(), "terminate")
	if r == s.reinvite {
		s.reinvite = nil
	}
}
