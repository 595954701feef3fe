package ua

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/arzzra/sipua/pkg/media"
)

// Направление сессии.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Состояния INVITE-сессии.
const (
	SessionNull             = "null"
	SessionInviteSent       = "invite_sent"
	Session1xxReceived      = "1xx_received"
	SessionInviteReceived   = "invite_received"
	SessionWaitingForAnswer = "waiting_for_answer"
	SessionWaitingForAck    = "waiting_for_ack"
	SessionCanceled         = "canceled"
	SessionConfirmed        = "confirmed"
	SessionTerminated       = "terminated"
)

func newSessionFSM() *fsm.FSM {
	return fsm.NewFSM(
		SessionNull,
		fsm.Events{
			{Name: "connect", Src: []string{SessionNull}, Dst: SessionInviteSent},
			{Name: "receive_invite", Src: []string{SessionNull}, Dst: SessionInviteReceived},
			{Name: "ring", Src: []string{SessionInviteReceived}, Dst: SessionWaitingForAnswer},
			{Name: "progress", Src: []string{SessionInviteSent, Session1xxReceived}, Dst: Session1xxReceived},
			{Name: "answer", Src: []string{SessionWaitingForAnswer}, Dst: SessionWaitingForAck},
			{Name: "ack", Src: []string{SessionWaitingForAck}, Dst: SessionConfirmed},
			{Name: "confirm", Src: []string{SessionInviteSent, Session1xxReceived}, Dst: SessionConfirmed},
			{Name: "cancel", Src: []string{
				SessionInviteSent, Session1xxReceived, SessionInviteReceived, SessionWaitingForAnswer,
			}, Dst: SessionCanceled},
			{Name: "terminate", Src: []string{
				SessionNull, SessionInviteSent, Session1xxReceived, SessionInviteReceived,
				SessionWaitingForAnswer, SessionWaitingForAck, SessionCanceled, SessionConfirmed,
			}, Dst: SessionTerminated},
		},
		nil,
	)
}

// Session - жизненный цикл INVITE диалога: исходящий и входящий вызов,
// форки, ретрансмиссия 2xx, ожидание ACK, re-INVITE/UPDATE, DTMF.
// Держит не более одного подтверждённого диалога и любое число ранних.
type Session struct {
	emitter
	mu sync.Mutex

	ua        *UserAgent
	id        string
	direction Direction
	fsm       *fsm.FSM

	callID    string
	localTag  string
	anonymous bool

	dialog       *Dialog
	earlyDialogs map[string]*Dialog

	inviteReq *sip.Request
	inviteTx  sip.ClientTransaction // UAC
	serverTx  *serverTx             // UAS: исходная INVITE транзакция

	media media.Handler

	received100 bool
	isCanceled  bool
	cancelSent  bool
	cancelOpts  StatusOptions

	allowed map[sip.RequestMethod]bool

	// таймеры
	answerTok     TimerToken // no-answer (UAS)
	expiresTok    TimerToken // Expires из INVITE (UAS)
	retrans2xxTok TimerToken
	ackWaitTok    TimerToken // Timer H

	okResponse *sip.Response // для ретрансмиссии 2xx
	lastAck    *sip.Request  // для повторной отправки ACK на дубль 2xx

	reinvite *Reinvite
	update   *Update

	dtmf *dtmfQueue

	startedEmitted bool
	endEmitted     bool
}

func newSession(ua *UserAgent, direction Direction) *Session {
	s := &Session{
		ua:           ua,
		direction:    direction,
		fsm:          newSessionFSM(),
		earlyDialogs: make(map[string]*Dialog),
		allowed:      make(map[sip.RequestMethod]bool),
	}
	s.dtmf = newDTMFQueue(s)
	return s
}

// ID возвращает идентификатор сессии (Call-ID + from-tag).
func (s *Session) ID() string { return s.id }

// Direction возвращает направление сессии.
func (s *Session) Direction() Direction { return s.direction }

// State возвращает текущее состояние машины состояний.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Current()
}

// Dialog возвращает подтверждённый диалог сессии (nil до подтверждения).
func (s *Session) Dialog() *Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialog
}

// Media возвращает медиа-обработчик сессии.
func (s *Session) Media() media.Handler { return s.media }

func (s *Session) transition(event string) {
	if err := s.fsm.Event(context.Background(), event); err != nil {
		s.ua.log.Debug("session transition refused",
			"session", s.id, "event", event, "state", s.fsm.Current(), "err", err.Error())
	}
}

// --- исходящий вызов ---

// connect строит и отправляет начальный INVITE. Вызывается фасадом UA
// из Call; если тело не задано, offer запрашивается у медиа-обработчика здесь.
func (s *Session) connect(ctx context.Context, target sip.Uri, opts CallOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fsm.Current() != SessionNull {
		return invalidState("connect", s.fsm.Current())
	}

	s.callID = generateCallID()
	s.localTag = generateTag()
	s.id = s.callID + ":" + s.localTag
	s.anonymous = opts.Anonymous

	body := opts.Body
	if body.IsZero() && s.media != nil {
		offer, err := s.media.CreateOffer(ctx)
		if err != nil {
			return errors.Wrap(err, "create offer")
		}
		body = Body{Content: offer, ContentType: "application/sdp"}
	}

	req := sip.NewRequest(sip.INVITE, target)
	from := &sip.FromHeader{
		Address: s.ua.localURI,
		Params:  sip.HeaderParams{"tag": s.localTag},
	}
	if s.anonymous {
		from.DisplayName = "Anonymous"
		from.Address = sip.Uri{Scheme: "sip", User: "anonymous", Host: "anonymous.invalid"}
	} else if s.ua.config.DisplayName != "" {
		from.DisplayName = s.ua.config.DisplayName
	}
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.HeaderParams{}})
	callID := sip.CallIDHeader(s.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: uint32(1 + rand.Intn(10000)), MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(s.ua.contactHeader())
	addCoreHeaders(req)
	if s.ua.config.SessionExpires > 0 {
		req.AppendHeader(sip.NewHeader("Session-Expires", fmt.Sprintf("%d", s.ua.config.SessionExpires)))
		req.AppendHeader(sip.NewHeader("Min-SE", fmt.Sprintf("%d", int(MinSessionExpires/time.Second))))
	}
	for _, h := range opts.ExtraHeaders {
		req.AppendHeader(h)
	}
	if !body.IsZero() {
		req.SetBody(body.Content)
		req.AppendHeader(sip.NewHeader("Content-Type", body.ContentType))
	}
	s.inviteReq = req

	tx, err := s.ua.tl.TransactionRequest(ctx, req)
	if err != nil {
		return errors.Wrap(err, "send INVITE")
	}
	s.inviteTx = tx
	s.transition("connect")
	s.ua.log.Debug("INVITE sent", "session", s.id, "target", target.String())

	go s.inviteResponseLoop(tx)
	return nil
}

// inviteResponseLoop читает ответы клиентской INVITE транзакции.
func (s *Session) inviteResponseLoop(tx sip.ClientTransaction) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			s.handleInviteResponse(res)
		case <-tx.Done():
			s.handleInviteTxDone(tx)
			return
		}
	}
}

func (s *Session) handleInviteTxDone(tx sip.ClientTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.fsm.Current()
	if state != SessionInviteSent && state != Session1xxReceived && state != SessionCanceled {
		return
	}
	cause := CauseRequestTimeout
	if err := tx.Err(); err != nil && !strings.Contains(err.Error(), "timeout") {
		cause = CauseConnectionError
	}
	s.terminateLocked()
	s.emitFailed(OriginatorSystem, nil, cause)
}

// handleInviteResponse - приём ответа на начальный INVITE.
func (s *Session) handleInviteResponse(res *sip.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case res.StatusCode == 100:
		s.received100 = true
		// если terminate() пришёл до 100, CANCEL можно слать уже сейчас
		if s.isCanceled && s.fsm.Current() == SessionCanceled {
			s.sendCancelLocked()
		}

	case res.StatusCode < 200:
		s.handleProvisional(res)

	case res.StatusCode < 300:
		s.handle2xx(res)

	default:
		s.handleInviteFailure(res)
	}
}

func (s *Session) handleProvisional(res *sip.Response) {
	state := s.fsm.Current()
	if state != SessionInviteSent && state != Session1xxReceived && state != SessionCanceled {
		return
	}

	toTag, _ := res.To().Params.Get("tag")
	if toTag != "" && headerValue(res, "Contact") != "" {
		id := DialogID{CallID: s.callID, LocalTag: s.localTag, RemoteTag: toTag}
		if _, ok := s.earlyDialogs[id.String()]; !ok {
			if d, err := newUACDialog(s.ua, s.inviteReq, res, s); err == nil {
				s.earlyDialogs[id.String()] = d
			}
		}
	}

	// отложенный CANCEL уходит на первом провизионном ответе
	if s.isCanceled {
		if state != SessionCanceled {
			s.transition("cancel")
		}
		s.sendCancelLocked()
		return
	}

	s.transition("progress")
	s.emit(ProgressEvent{Originator: OriginatorRemote, Response: res})
}

func (s *Session) handle2xx(res *sip.Response) {
	toTag, _ := res.To().Params.Get("tag")
	resID := DialogID{CallID: s.callID, LocalTag: s.localTag, RemoteTag: toTag}

	// уже подтверждены: ретрансмиссия либо форк
	if s.fsm.Current() == SessionConfirmed || s.fsm.Current() == SessionTerminated {
		if s.dialog != nil && s.dialog.ID() == resID {
			s.resendAckLocked()
			return
		}
		s.absorbFork(res)
		return
	}

	// CANCEL проиграл гонку с 2xx: диалог принимаем и сразу гасим
	if s.isCanceled {
		s.acceptAndTerminate(res)
		s.terminateLocked()
		s.emitFailed(OriginatorLocal, nil, CauseCanceled)
		return
	}

	state := s.fsm.Current()
	if state != SessionInviteSent && state != Session1xxReceived {
		return
	}

	// подтверждаем ранний диалог или создаём подтверждённый
	if d, ok := s.earlyDialogs[resID.String()]; ok {
		d.Confirm(res)
		s.dialog = d
		delete(s.earlyDialogs, resID.String())
	} else {
		d, err := newUACDialog(s.ua, s.inviteReq, res, s)
		if err != nil {
			s.terminateLocked()
			s.emitFailed(OriginatorRemote, res, CauseInternalError)
			return
		}
		s.dialog = d
	}
	s.dropEarlyDialogs()

	if s.media != nil && len(res.Body()) > 0 {
		if err := s.media.SetRemoteDescription(res.Body()); err != nil {
			s.acceptAndTerminate(res)
			s.terminateLocked()
			s.emitFailed(OriginatorRemote, res, CauseBadMediaDescription)
			return
		}
	}

	if h := headerValue(res, "Allow"); h != "" {
		s.allowed = parseAllow(h)
	}
	s.dialog.ProcessSessionTimerHeaders(res, false)

	s.transition("confirm")
	s.sendAckLocked(s.dialog)
	s.emitStarted(OriginatorRemote, res)
	s.ua.log.Debug("session confirmed", "session", s.id, "dialog", s.dialog.ID().String())
}

func (s *Session) handleInviteFailure(res *sip.Response) {
	state := s.fsm.Current()
	if state == SessionConfirmed || state == SessionTerminated {
		return
	}
	originator := OriginatorRemote
	cause := causeForStatus(res.StatusCode)
	if s.isCanceled && cause == CauseCanceled {
		originator = OriginatorLocal
	}
	s.terminateLocked()
	s.emitFailed(originator, res, cause)
}

// absorbFork принимает форкнутый 2xx: ACK и немедленный BYE на
// одноразовом диалоге, собранном из ответа. Подтверждённая сессия
// остаётся на исходном диалоге.
func (s *Session) absorbFork(res *sip.Response) {
	s.ua.log.Debug("absorbing forked 2xx", "session", s.id)
	s.acceptAndTerminate(res)
}

// acceptAndTerminate: ACK + BYE на временном диалоге из ответа.
func (s *Session) acceptAndTerminate(res *sip.Response) {
	d, err := newUACDialog(s.ua, s.inviteReq, res, nil)
	if err != nil {
		return
	}
	s.sendAckLocked(d)
	bye := d.BuildRequest(sip.BYE)
	ctx, cancel := context.WithTimeout(context.Background(), TimerF)
	tx, err := s.ua.tl.TransactionRequest(ctx, bye)
	go func() {
		defer cancel()
		if err == nil {
			select {
			case <-tx.Done():
			case <-ctx.Done():
			}
		}
		d.Terminate()
	}()
}

func (s *Session) sendAckLocked(d *Dialog) {
	ack := d.BuildRequest(sip.ACK)
	if d == s.dialog {
		s.lastAck = ack
	}
	if err := s.ua.tl.WriteRequest(ack); err != nil {
		s.ua.log.Debug("ACK send failed", "session", s.id, "err", err.Error())
		go s.onTransportError()
	}
}

func (s *Session) resendAckLocked() {
	if s.lastAck == nil {
		return
	}
	_ = s.ua.tl.WriteRequest(s.lastAck)
}

// dropEarlyDialogs завершает оставшиеся ранние диалоги.
func (s *Session) dropEarlyDialogs() {
	for k, d := range s.earlyDialogs {
		d.Terminate()
		delete(s.earlyDialogs, k)
	}
}

// sendCancelLocked отправляет CANCEL по исходной INVITE транзакции.
// Повторные вызовы (100 и следом 1xx) не дублируют запрос.
func (s *Session) sendCancelLocked() {
	if s.inviteReq == nil || s.cancelSent {
		return
	}
	s.cancelSent = true
	cancelReq := newCancelRequest(s.inviteReq)
	if s.cancelOpts.StatusCode != 0 {
		reason := s.cancelOpts.ReasonPhrase
		if reason == "" {
			reason = defaultReason(s.cancelOpts.StatusCode)
		}
		cancelReq.AppendHeader(sip.NewHeader("Reason",
			reasonHeaderValue(s.cancelOpts.StatusCode, reason)))
	}
	ctx, cancel := context.WithTimeout(context.Background(), TimerF)
	tx, err := s.ua.tl.TransactionRequest(ctx, cancelReq)
	go func() {
		defer cancel()
		if err == nil {
			select {
			case <-tx.Done():
			case <-ctx.Done():
			}
		}
	}()
	s.ua.log.Debug("CANCEL sent", "session", s.id)
}

// --- входящий вызов ---

// initIncoming валидирует входящий INVITE и подготавливает сессию.
// При любой ошибке отвечает сам и возвращает false.
func (s *Session) initIncoming(req *sip.Request, tx sip.ServerTransaction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	fromTag, _ := req.From().Params.Get("tag")
	s.callID = req.CallID().Value()
	s.id = s.callID + ":" + fromTag
	s.localTag = generateTag()
	s.inviteReq = req
	s.serverTx = &serverTx{tx: tx, req: req}

	if ct := headerValue(req, "Content-Type"); len(req.Body()) > 0 && ct != "" &&
		!strings.HasPrefix(strings.ToLower(ct), "application/sdp") {
		_ = s.serverTx.respond(sip.NewResponseFromRequest(req, 415, defaultReason(415), nil))
		s.transition("terminate")
		return false
	}

	d, err := newUASDialog(s.ua, req, s.localTag, DialogEarly, s)
	if err != nil {
		_ = s.serverTx.respond(sip.NewResponseFromRequest(req, 500, defaultReason(500), nil))
		s.transition("terminate")
		return false
	}
	s.dialog = d
	s.dialog.lastInviteTx = s.serverTx

	if h := headerValue(req, "Allow"); h != "" {
		s.allowed = parseAllow(h)
	}

	_ = tx.Respond(sip.NewResponseFromRequest(req, 100, defaultReason(100), nil))
	s.transition("receive_invite")

	// remote offer отдаём медиа-обработчику до того, как звать приложение
	if s.media != nil && len(req.Body()) > 0 {
		if err := s.media.SetRemoteDescription(req.Body()); err != nil {
			_ = s.serverTx.respond(sip.NewResponseFromRequest(req, 488, defaultReason(488), nil))
			s.terminateLocked()
			s.emitFailed(OriginatorRemote, req, CauseBadMediaDescription)
			return false
		}
	}

	s.ringLocked(req)
	return true
}

// ringLocked шлёт 180, взводит no-answer и Expires таймеры.
func (s *Session) ringLocked(req *sip.Request) {
	ringing := sip.NewResponseFromRequest(req, 180, defaultReason(180), nil)
	ringing.To().Params["tag"] = s.localTag
	ringing.AppendHeader(s.ua.contactHeader())
	_ = s.serverTx.tx.Respond(ringing)
	s.transition("ring")

	noAnswer := time.Duration(s.ua.config.NoAnswerTimeout) * time.Second
	s.answerTok = s.ua.timers.Schedule(noAnswer, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fsm.Current() != SessionWaitingForAnswer {
			return
		}
		s.respondInviteLocked(480, "", nil)
		s.terminateLocked()
		s.emitFailed(OriginatorLocal, nil, CauseNoAnswer)
	})

	if exp := headerValue(req, "Expires"); exp != "" {
		if secs, err := parseMinSE(exp); err == nil && secs > 0 {
			s.expiresTok = s.ua.timers.Schedule(time.Duration(secs)*time.Second, func() {
				s.mu.Lock()
				defer s.mu.Unlock()
				if s.fsm.Current() != SessionWaitingForAnswer {
					return
				}
				s.respondInviteLocked(487, "", nil)
				s.terminateLocked()
				s.emitFailed(OriginatorSystem, nil, CauseExpires)
			})
		}
	}
}

func (s *Session) respondInviteLocked(status int, reason string, body []byte) {
	if s.serverTx == nil {
		return
	}
	if reason == "" {
		reason = defaultReason(status)
	}
	res := sip.NewResponseFromRequest(s.serverTx.req, status, reason, body)
	if s.localTag != "" {
		res.To().Params["tag"] = s.localTag
	}
	_ = s.serverTx.respond(res)
}

// Answer принимает входящий вызов: 200 с SDP, ретрансмиссия 2xx и
// ожидание ACK (Timer H).
func (s *Session) Answer(ctx context.Context, opts AnswerOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fsm.Current() != SessionWaitingForAnswer {
		return invalidState("answer", s.fsm.Current())
	}

	body := opts.Body
	if body.IsZero() && s.media != nil {
		answer, err := s.media.CreateAnswer(ctx)
		if err != nil {
			return errors.Wrap(err, "create answer")
		}
		body = Body{Content: answer, ContentType: "application/sdp"}
	}

	s.cancelAnswerTimersLocked()

	s.dialog.ProcessSessionTimerHeaders(s.inviteReq, true)

	res := sip.NewResponseFromRequest(s.inviteReq, 200, defaultReason(200), body.Content)
	res.To().Params["tag"] = s.localTag
	res.AppendHeader(s.ua.contactHeader())
	res.AppendHeader(sip.NewHeader("Allow", allowHeaderValue()))
	res.AppendHeader(sip.NewHeader("Supported", supportedHeaderValue()))
	if !body.IsZero() {
		res.AppendHeader(sip.NewHeader("Content-Type", body.ContentType))
	}
	if s.dialog.sessTimer.interval > 0 {
		refresher := "uac"
		if s.dialog.sessTimer.localRefresher {
			refresher = "uas"
		}
		res.AppendHeader(sip.NewHeader("Session-Expires",
			fmt.Sprintf("%d;refresher=%s", s.dialog.sessTimer.interval, refresher)))
	}
	for _, h := range opts.ExtraHeaders {
		res.AppendHeader(h)
	}

	if err := s.serverTx.respond(res); err != nil {
		return errors.Wrap(err, "send 200")
	}
	s.okResponse = res
	s.transition("answer")
	s.startAckWaitLocked()
	s.ua.log.Debug("call answered", "session", s.id)
	return nil
}

// Reject отклоняет входящий вызов финальным ответом 3xx-6xx.
func (s *Session) Reject(opts StatusOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.fsm.Current()
	if state != SessionWaitingForAnswer && state != SessionInviteReceived {
		return invalidState("reject", state)
	}
	status := opts.StatusCode
	if status == 0 {
		status = 480
	}
	if status < 300 || status > 699 {
		return invalidArg("status_code", "must be 300..699")
	}
	s.respondInviteLocked(status, opts.ReasonPhrase, opts.Body.Content)
	s.terminateLocked()
	s.emitFailed(OriginatorLocal, nil, CauseRejected)
	return nil
}

// startAckWaitLocked: ретрансмиссия 200 каждые T1 с удвоением до T2
// (RFC 3261 §13.3.1.4) и Timer H на приход ACK (§14.2).
func (s *Session) startAckWaitLocked() {
	s.schedule2xxRetransmitLocked(TimerT1)
	s.ackWaitTok = s.ua.timers.Schedule(TimerH, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fsm.Current() != SessionWaitingForAck {
			return
		}
		s.ua.log.Debug("ACK never arrived", "session", s.id)
		s.sendByeLocked(nil)
		s.terminateLocked()
		s.emitEnded(OriginatorRemote, nil, CauseNoACK)
	})
}

func (s *Session) schedule2xxRetransmitLocked(interval time.Duration) {
	s.retrans2xxTok = s.ua.timers.Schedule(interval, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fsm.Current() != SessionWaitingForAck || s.okResponse == nil {
			return
		}
		_ = s.serverTx.tx.Respond(s.okResponse)
		next := interval * 2
		if next > TimerT2 {
			next = TimerT2
		}
		s.schedule2xxRetransmitLocked(next)
	})
}

// handleAck подтверждает сессию (или активный re-INVITE).
func (s *Session) handleAck(req *sip.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reinvite != nil && s.reinvite.handleAck(req) {
		return
	}
	if s.fsm.Current() != SessionWaitingForAck {
		return
	}
	s.ua.timers.Cancel(s.retrans2xxTok)
	s.ua.timers.Cancel(s.ackWaitTok)
	s.retrans2xxTok, s.ackWaitTok = 0, 0
	s.okResponse = nil
	s.dialog.Confirm(nil)
	s.transition("ack")
	s.emitStarted(OriginatorLocal, nil)
	s.ua.log.Debug("ACK received, session confirmed", "session", s.id)
}

// handleCancel: 200 на CANCEL, 487 на исходный INVITE, сессия
// завершается с причиной CANCELED.
func (s *Session) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.fsm.Current()
	if state != SessionWaitingForAnswer && state != SessionInviteReceived {
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, defaultReason(200), nil))
	s.respondInviteLocked(487, "", nil)
	s.transition("cancel")
	s.terminateLocked()
	s.emitFailed(OriginatorRemote, req, CauseCanceled)
}

// --- in-dialog запросы ---

// handleRequest - вход от фасада UA: gatekeeper диалога под мьютексом
// сессии, затем диспетчеризация по методу.
func (s *Session) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	d := s.dialog
	if d == nil || d.State() == DialogTerminated {
		s.mu.Unlock()
		if req.Method != sip.ACK {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 481, defaultReason(481), nil))
		}
		return
	}
	if !d.CheckInDialogRequest(req, tx) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.handleInDialogRequest(req, tx)
}

func (s *Session) handleInDialogRequest(req *sip.Request, tx sip.ServerTransaction) {
	switch req.Method {
	case sip.ACK:
		s.handleAck(req)
		return
	case sip.BYE:
		s.handleBye(req, tx)
		return
	case sip.INVITE:
		s.handleReinvite(req, tx)
		return
	case sip.UPDATE:
		s.handleUpdate(req, tx)
		return
	case sip.INFO:
		s.handleInfo(req, tx)
		return
	case sip.REFER:
		s.ua.handleInDialogRefer(s, req, tx)
		return
	case sip.NOTIFY, sip.SUBSCRIBE:
		s.ua.routeSubscriptionRequest(s, req, tx)
		return
	default:
		res := sip.NewResponseFromRequest(req, 405, defaultReason(405), nil)
		res.AppendHeader(sip.NewHeader("Allow", allowHeaderValue()))
		_ = tx.Respond(res)
	}
}

func (s *Session) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, defaultReason(200), nil))
	if s.fsm.Current() == SessionTerminated {
		return
	}
	confirmed := s.fsm.Current() == SessionConfirmed || s.fsm.Current() == SessionWaitingForAck
	s.terminateLocked()
	if confirmed {
		s.emitEnded(OriginatorRemote, req, CauseBye)
	} else {
		s.emitFailed(OriginatorRemote, req, CauseBye)
	}
}

// handleInfo принимает DTMF INFO (application/dtmf-relay).
func (s *Session) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ct := strings.ToLower(headerValue(req, "Content-Type"))
	if !strings.HasPrefix(ct, "application/dtmf-relay") {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 415, defaultReason(415), nil))
		return
	}
	tone, duration := parseDTMFRelay(req.Body())
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, defaultReason(200), nil))
	if tone != "" {
		s.emit(NewDTMFEvent{Originator: OriginatorRemote, Tone: tone, Duration: duration})
	}
}

// --- завершение ---

// Terminate завершает сессию. Идемпотентна: повторный вызов на
// завершённой сессии - no-op. Поведение зависит от состояния:
// ранний UAC - CANCEL (отложенный до первого ответа, если 100 ещё нет),
// ранний UAS - финальный отказ, подтверждённая - BYE.
func (s *Session) Terminate(opts StatusOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminateWithOptsLocked(opts)
}

func (s *Session) terminateWithOptsLocked(opts StatusOptions) error {
	switch s.fsm.Current() {
	case SessionTerminated, SessionCanceled:
		return nil

	case SessionNull:
		s.transition("terminate")
		return nil

	case SessionInviteSent, Session1xxReceived:
		if opts.StatusCode != 0 && (opts.StatusCode < 200 || opts.StatusCode > 699) {
			return invalidArg("status_code", "must be 200..699")
		}
		s.isCanceled = true
		s.cancelOpts = opts
		canSendNow := s.received100 || s.fsm.Current() == Session1xxReceived
		s.transition("cancel")
		if canSendNow {
			s.sendCancelLocked()
		}
		// failed(CANCELED) уйдёт при получении 487
		return nil

	case SessionInviteReceived, SessionWaitingForAnswer:
		status := opts.StatusCode
		if status == 0 {
			status = 480
		}
		if status < 300 || status > 699 {
			return invalidArg("status_code", "must be 300..699")
		}
		s.respondInviteLocked(status, opts.ReasonPhrase, opts.Body.Content)
		s.terminateLocked()
		s.emitFailed(OriginatorLocal, nil, CauseRejected)
		return nil

	case SessionWaitingForAck, SessionConfirmed:
		s.sendByeLocked(opts.ExtraHeaders)
		s.terminateLocked()
		s.emitEnded(OriginatorLocal, nil, CauseBye)
		return nil
	}
	return nil
}

func (s *Session) sendByeLocked(extra []sip.Header) {
	if s.dialog == nil || s.dialog.State() == DialogTerminated {
		return
	}
	bye := s.dialog.BuildRequest(sip.BYE, extra...)
	ctx, cancel := context.WithTimeout(context.Background(), TimerF)
	tx, err := s.ua.tl.TransactionRequest(ctx, bye)
	go func() {
		defer cancel()
		if err == nil {
			select {
			case <-tx.Done():
			case <-ctx.Done():
			}
		}
	}()
	s.ua.log.Debug("BYE sent", "session", s.id)
}

// terminateLocked переводит машину в терминальное состояние и снимает
// все ресурсы: таймеры, суб-транзакции, диалоги, медиа.
func (s *Session) terminateLocked() {
	if s.fsm.Current() == SessionTerminated {
		return
	}
	s.transition("terminate")

	s.cancelAnswerTimersLocked()
	s.ua.timers.Cancel(s.retrans2xxTok)
	s.ua.timers.Cancel(s.ackWaitTok)
	s.retrans2xxTok, s.ackWaitTok = 0, 0
	s.okResponse = nil

	// суб-машины гасим молча: своих событий после Terminated они не эмитят
	if s.reinvite != nil {
		s.reinvite.reap()
		s.reinvite = nil
	}
	if s.update != nil {
		s.update.reap()
		s.update = nil
	}
	s.dtmf.abandonLocked()

	s.dropEarlyDialogs()
	if s.dialog != nil {
		s.dialog.Terminate()
	}
	if s.media != nil {
		_ = s.media.Close()
	}
	s.ua.removeSession(s)
}

func (s *Session) cancelAnswerTimersLocked() {
	s.ua.timers.Cancel(s.answerTok)
	s.ua.timers.Cancel(s.expiresTok)
	s.answerTok, s.expiresTok = 0, 0
}

// onTransportError - системная ошибка на любом этапе.
func (s *Session) onTransportError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fsm.Current() == SessionTerminated {
		return
	}
	confirmed := s.fsm.Current() == SessionConfirmed
	s.terminateLocked()
	if confirmed {
		s.emitEnded(OriginatorSystem, nil, CauseConnectionError)
	} else {
		s.emitFailed(OriginatorSystem, nil, CauseConnectionError)
	}
}

// --- session timer (dialogOwner) ---

func (s *Session) onSessionRefresh(d *Dialog) {
	s.mu.Lock()
	if s.fsm.Current() != SessionConfirmed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.emit(RefreshEvent{Originator: OriginatorLocal})
	// освежаем сессию bodyless UPDATE
	_ = s.SendUpdate(context.Background(), Body{})
}

func (s *Session) onSessionExpired(d *Dialog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fsm.Current() != SessionConfirmed {
		return
	}
	s.sendByeLocked([]sip.Header{
		sip.NewHeader("Reason", reasonHeaderValue(408, "Session Timer")),
	})
	s.terminateLocked()
	s.emitEnded(OriginatorSystem, nil, CauseSessionTimer)
}

// --- эмиссия с защитой от дублей ---

func (s *Session) emitStarted(orig Originator, res *sip.Response) {
	if s.startedEmitted {
		return
	}
	s.startedEmitted = true
	s.ua.metrics.sessionStarted(s.direction)
	s.emit(StartedEvent{Originator: orig, Response: res})
}

func (s *Session) emitEnded(orig Originator, msg sip.Message, cause Cause) {
	if s.endEmitted {
		return
	}
	s.endEmitted = true
	s.ua.metrics.sessionEnded(cause)
	s.emit(EndedEvent{Originator: orig, Message: msg, Cause: cause})
}

func (s *Session) emitFailed(orig Originator, msg sip.Message, cause Cause) {
	if s.endEmitted {
		return
	}
	s.endEmitted = true
	s.ua.metrics.sessionEnded(cause)
	s.emit(FailedEvent{Originator: orig, Message: msg, Cause: cause})
}
