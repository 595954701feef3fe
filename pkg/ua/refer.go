package ua

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// Состояния подписки REFER. Terminated - поглощающее.
const (
	ReferPending    = "pending"
	ReferActive     = "active"
	ReferTerminated = "terminated"
)

func newReferFSM() *fsm.FSM {
	return fsm.NewFSM(
		ReferPending,
		fsm.Events{
			{Name: "activate", Src: []string{ReferPending}, Dst: ReferActive},
			{Name: "terminate", Src: []string{ReferPending, ReferActive}, Dst: ReferTerminated},
		},
		nil,
	)
}

// Refer - REFER с неявной подпиской (RFC 3515/4488). Покрывает четыре
// варианта: исходящий/входящий, out-of-dialog (своим диалогом) и
// in-dialog (на диалоге сессии-владельца; диалог не принадлежит REFER).
type Refer struct {
	emitter
	mu sync.Mutex

	ua        *UserAgent
	direction Direction
	id        string
	inDialog  bool

	// ownerSession - сессия, на чьём диалоге живёт in-dialog REFER.
	ownerSession *Session
	// targetSession - сессия, на которую указал Target-Dialog.
	targetSession *Session

	dialog   *Dialog
	fsm      *fsm.FSM
	referReq *sip.Request
	referTo  sip.Uri
	callID   string
	localTag string
	eventID  string // id= в Event для множественных in-dialog REFER

	expiresAt     time.Time
	expireTok     TimerToken
	notifyWaitTok TimerToken // Timer F: ожидание первого NOTIFY

	lastNotify SipfragStatus
	haveNotify bool
	finalSeen  bool
}

// ID возвращает идентификатор REFER (Call-ID + local tag; у in-dialog
// REFER к нему добавляется id из Event).
func (r *Refer) ID() string { return r.id }

// Direction возвращает направление REFER.
func (r *Refer) Direction() Direction { return r.direction }

// State возвращает состояние подписки.
func (r *Refer) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fsm.Current()
}

// ReferTo возвращает цель перевода.
func (r *Refer) ReferTo() sip.Uri { return r.referTo }

func (r *Refer) transition(event string) {
	_ = r.fsm.Event(context.Background(), event)
}

// --- исходящий out-of-dialog REFER ---

// SendRefer шлёт out-of-dialog REFER на target с целью referTo.
// Невалидные URI - ошибка на границе API, без событий.
func (u *UserAgent) SendRefer(ctx context.Context, target, referTo sip.Uri, opts ReferOptions) (*Refer, error) {
	if target.Host == "" {
		return nil, invalidArg("target", "missing host")
	}
	if referTo.Host == "" || (referTo.Scheme != "sip" && referTo.Scheme != "sips") {
		return nil, invalidArg("refer_to", "not a SIP URI")
	}

	r := &Refer{
		ua:        u,
		direction: DirectionOutgoing,
		fsm:       newReferFSM(),
		referTo:   referTo,
		callID:    generateCallID(),
		localTag:  generateTag(),
	}
	r.id = r.callID + ":" + r.localTag

	req := sip.NewRequest(sip.REFER, target)
	req.AppendHeader(&sip.FromHeader{
		Address: u.localURI,
		Params:  sip.HeaderParams{"tag": r.localTag},
	})
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.HeaderParams{}})
	callID := sip.CallIDHeader(r.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REFER})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(u.contactHeader())
	req.AppendHeader(sip.NewHeader("Refer-To", "<"+referTo.String()+">"))
	addCoreHeaders(req)

	if opts.TargetSession != nil {
		td := opts.TargetSession.Dialog()
		if td == nil {
			return nil, invalidArg("target_session", "session has no confirmed dialog")
		}
		id := td.ID()
		req.AppendHeader(sip.NewHeader("Target-Dialog",
			fmt.Sprintf("%s;local-tag=%s;remote-tag=%s", id.CallID, id.LocalTag, id.RemoteTag)))
		req.AppendHeader(sip.NewHeader("Require", "tdialog"))
		r.targetSession = opts.TargetSession
	}
	if opts.NoReferSub {
		req.AppendHeader(sip.NewHeader("Refer-Sub", "false"))
	}
	for _, h := range opts.ExtraHeaders {
		req.AppendHeader(h)
	}
	r.referReq = req

	tx, err := u.tl.TransactionRequest(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "send REFER")
	}

	u.addRefer(r)
	u.emit(NewReferEvent{Originator: OriginatorLocal, Refer: r, Request: req})

	go r.referResponseLoop(tx)
	return r, nil
}

func (r *Refer) referResponseLoop(tx sip.ClientTransaction) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			if res.StatusCode < 200 {
				continue
			}
			r.handleReferResponse(res)
			return
		case <-tx.Done():
			r.mu.Lock()
			if r.fsm.Current() != ReferTerminated {
				r.teardownLocked()
				r.mu.Unlock()
				r.emit(FailedEvent{Originator: OriginatorSystem, Cause: CauseRequestTimeout})
				return
			}
			r.mu.Unlock()
			return
		}
	}
}

func (r *Refer) handleReferResponse(res *sip.Response) {
	r.mu.Lock()
	if r.fsm.Current() == ReferTerminated {
		r.mu.Unlock()
		return
	}
	if res.StatusCode >= 300 {
		r.teardownLocked()
		r.mu.Unlock()
		r.emit(FailedEvent{Originator: OriginatorRemote, Message: res, Cause: causeForStatus(res.StatusCode)})
		return
	}
	// 2xx: диалог сформирует первый NOTIFY; ждём его не дольше Timer F
	r.notifyWaitTok = r.ua.timers.Schedule(TimerF, func() {
		r.mu.Lock()
		if r.fsm.Current() == ReferTerminated || r.haveNotify {
			r.mu.Unlock()
			return
		}
		r.teardownLocked()
		r.mu.Unlock()
		// ни одного NOTIFY: синтезируем финальный 100 Trying
		r.emit(NotifyEvent{
			Originator:   OriginatorSystem,
			Status:       SipfragStatus{Code: 100, Reason: "Trying"},
			SessionEvent: "progress",
			FinalNotify:  true,
		})
	})
	r.mu.Unlock()
	r.emit(AcceptedEvent{Originator: OriginatorRemote, Response: res})
}

// handleNotify принимает NOTIFY по подписке. Для исходящего
// out-of-dialog REFER первый NOTIFY создаёт диалог (remote tag - из
// From этого запроса).
func (r *Refer) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	r.mu.Lock()

	if r.fsm.Current() == ReferTerminated {
		r.mu.Unlock()
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, defaultReason(481), nil))
		return
	}

	// подписчиков нет - отвечаем 603 и сворачиваем подписку
	if r.direction == DirectionOutgoing && r.ListenerCount(EventNotify) == 0 {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 603, defaultReason(603), nil))
		r.teardownLocked()
		r.mu.Unlock()
		return
	}

	if r.dialog == nil && !r.inDialog {
		d, err := newUASDialog(r.ua, req, r.localTag, DialogConfirmed, r)
		if err != nil {
			r.mu.Unlock()
			_ = tx.Respond(sip.NewResponseFromRequest(req, 400, defaultReason(400), nil))
			return
		}
		r.dialog = d
	} else if r.dialog != nil && !r.inDialog && !r.dialog.CheckInDialogRequest(req, tx) {
		// для in-dialog REFER gatekeeper уже отработал у сессии-владельца
		r.mu.Unlock()
		return
	}

	event, id := parseEventID(headerValue(req, "Event"))
	if event != "refer" || (r.eventID != "" && id != r.eventID) {
		r.mu.Unlock()
		_ = tx.Respond(sip.NewResponseFromRequest(req, 489, defaultReason(489), nil))
		return
	}
	ssRaw := headerValue(req, "Subscription-State")
	if ssRaw == "" {
		r.mu.Unlock()
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, defaultReason(400), nil))
		return
	}
	ss, err := parseSubscriptionState(ssRaw)
	if err != nil {
		r.mu.Unlock()
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, defaultReason(400), nil))
		return
	}
	if ct := headerValue(req, "Content-Type"); ct != "" &&
		!strings.HasPrefix(strings.ToLower(ct), "message/sipfrag") {
		r.mu.Unlock()
		_ = tx.Respond(sip.NewResponseFromRequest(req, 415, defaultReason(415), nil))
		return
	}

	status := SipfragStatus{Code: 100, Reason: "Trying"}
	if len(req.Body()) > 0 {
		if st, err := ParseSipfrag(req.Body()); err == nil {
			status = st
		}
	}

	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, defaultReason(200), nil))

	if r.dialog != nil {
		r.dialog.TargetRefresh(req)
	}
	r.ua.timers.Cancel(r.notifyWaitTok)
	r.notifyWaitTok = 0
	r.haveNotify = true
	r.lastNotify = status

	final := ss.State == "terminated"
	if final {
		r.finalSeen = true
		r.teardownLocked()
	} else {
		if r.fsm.Current() == ReferPending {
			r.transition("activate")
		}
		expires := ss.Expires
		if expires < 0 {
			expires = int(DefaultReferExpires / time.Second)
		}
		r.expiresAt = time.Now().Add(time.Duration(expires) * time.Second)
		r.armExpireLocked(time.Duration(expires)*time.Second + TimerT4)
	}
	r.mu.Unlock()

	r.emit(NotifyEvent{
		Originator:   OriginatorRemote,
		Request:      req,
		Status:       status,
		SessionEvent: status.sessionEvent(),
		FinalNotify:  final,
	})
}

// armExpireLocked перевзводит таймер истечения подписки.
func (r *Refer) armExpireLocked(d time.Duration) {
	if r.expireTok != 0 {
		r.ua.timers.Cancel(r.expireTok)
	}
	r.expireTok = r.ua.timers.Schedule(d, func() { r.onExpire() })
}

func (r *Refer) onExpire() {
	r.mu.Lock()
	if r.fsm.Current() == ReferTerminated {
		r.mu.Unlock()
		return
	}
	if r.direction == DirectionIncoming {
		r.sendNotifyLocked(r.lastStatusLocked(), true, "timeout", nil)
		r.teardownLocked()
		r.mu.Unlock()
		return
	}
	synth := !r.finalSeen
	last := r.lastStatusLocked()
	r.teardownLocked()
	r.mu.Unlock()
	if synth {
		r.emit(NotifyEvent{
			Originator:   OriginatorSystem,
			Status:       last,
			SessionEvent: last.sessionEvent(),
			FinalNotify:  true,
		})
	}
}

func (r *Refer) lastStatusLocked() SipfragStatus {
	if r.haveNotify {
		return r.lastNotify
	}
	return SipfragStatus{Code: 100, Reason: "Trying"}
}

// --- входящий REFER ---

// newIncomingRefer валидирует входящий REFER, создаёт подписку и шлёт
// 202 плюс начальный NOTIFY (100 Trying). owner != nil для in-dialog
// варианта: подписка живёт на диалоге сессии и не владеет им.
func newIncomingRefer(u *UserAgent, req *sip.Request, tx sip.ServerTransaction, owner *Session) *Refer {
	referToHeaders := req.GetHeaders("Refer-To")
	if len(referToHeaders) != 1 {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, defaultReason(400), nil))
		return nil
	}
	referTo := extractURIFromHeaderValue(referToHeaders[0].Value())
	if referTo == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, defaultReason(400), nil))
		return nil
	}

	r := &Refer{
		ua:        u,
		direction: DirectionIncoming,
		fsm:       newReferFSM(),
		referTo:   *referTo,
		referReq:  req,
		callID:    req.CallID().Value(),
	}

	// Target-Dialog (RFC 4538): запоминаем сессию контекста
	if tdRaw := headerValue(req, "Target-Dialog"); tdRaw != "" {
		td, err := parseTargetDialog(tdRaw)
		if err != nil {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 400, defaultReason(400), nil))
			return nil
		}
		d := u.dialogs.findTargetDialog(td)
		if d == nil {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 481, defaultReason(481), nil))
			return nil
		}
		if sess, ok := d.owner.(*Session); ok {
			r.targetSession = sess
		}
	}

	if owner != nil {
		// in-dialog REFER: диалог сессии, Event id = CSeq запроса
		r.inDialog = true
		r.ownerSession = owner
		r.dialog = owner.dialog
		r.localTag = owner.localTag
		r.eventID = fmt.Sprintf("%d", req.CSeq().SeqNo)
		r.id = r.callID + ":" + r.localTag + ":" + r.eventID
	} else {
		r.localTag = generateTag()
		d, err := newUASDialog(u, req, r.localTag, DialogConfirmed, r)
		if err != nil {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 400, defaultReason(400), nil))
			return nil
		}
		r.dialog = d
		r.id = r.callID + ":" + r.localTag
	}

	accepted := sip.NewResponseFromRequest(req, 202, defaultReason(202), nil)
	if !r.inDialog {
		accepted.To().Params["tag"] = r.localTag
	}
	accepted.AppendHeader(u.contactHeader())
	_ = tx.Respond(accepted)

	r.transition("activate")
	r.expiresAt = time.Now().Add(DefaultReferExpires)
	r.armExpireLocked(DefaultReferExpires)

	u.addRefer(r)
	u.emit(NewReferEvent{Originator: OriginatorRemote, Refer: r, Request: req})

	// начальный NOTIFY: 100 Trying, active;expires=N
	r.mu.Lock()
	r.sendNotifyLocked(SipfragStatus{Code: 100, Reason: "Trying"}, false, "", nil)
	r.mu.Unlock()
	return r
}

// Call звонит на Refer-To URI и транслирует прогресс вызова в NOTIFY.
// started и failed закрывают подписку финальным NOTIFY.
func (r *Refer) Call(ctx context.Context, opts CallOptions) (*Session, error) {
	r.mu.Lock()
	if r.direction != DirectionIncoming {
		r.mu.Unlock()
		return nil, invalidState("call", "outgoing refer")
	}
	if r.fsm.Current() != ReferActive {
		r.mu.Unlock()
		return nil, ErrSubscriptionInactive
	}
	target := r.referTo
	r.mu.Unlock()

	if target.Scheme != "sip" && target.Scheme != "sips" {
		return nil, invalidArg("refer_to", "not a SIP URI")
	}

	sess, err := r.ua.Call(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.ownerSessionCall(sess)
	r.mu.Unlock()
	return sess, nil
}

// ownerSessionCall подписывает NOTIFY-мост на события сессии.
func (r *Refer) ownerSessionCall(sess *Session) {
	sess.On(EventProgress, func(Event) {
		_ = r.Notify(NotifyOptions{StatusCode: 180})
	})
	sess.On(EventStarted, func(Event) {
		_ = r.Notify(NotifyOptions{StatusCode: 200, FinalNotify: true})
	})
	sess.On(EventFailed, func(ev Event) {
		status := 503
		if f, ok := ev.(FailedEvent); ok {
			if res, ok := f.Message.(*sip.Response); ok && res != nil {
				status = res.StatusCode
			}
		}
		_ = r.Notify(NotifyOptions{StatusCode: status, FinalNotify: true})
	})
}

// Notify шлёт NOTIFY по активной входящей подписке. Для неактивной
// подписки вызов игнорируется.
func (r *Refer) Notify(opts NotifyOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.direction != DirectionIncoming {
		return invalidState("notify", "outgoing refer")
	}
	if r.fsm.Current() != ReferActive {
		return nil
	}
	status := SipfragStatus{Code: opts.StatusCode, Reason: opts.ReasonPhrase}
	if status.Code == 0 {
		status.Code = 100
	}
	if status.Code < 100 || status.Code > 699 {
		return invalidArg("status_code", "must be 100..699")
	}
	r.sendNotifyLocked(status, opts.FinalNotify, opts.TerminateReason, opts.ExtraHeaders)
	if opts.FinalNotify {
		r.teardownLocked()
	}
	return nil
}

// sendNotifyLocked собирает и отправляет NOTIFY с телом message/sipfrag.
func (r *Refer) sendNotifyLocked(status SipfragStatus, final bool, reason string, extra []sip.Header) {
	if r.dialog == nil || r.dialog.State() == DialogTerminated {
		return
	}
	event := "refer"
	if r.eventID != "" {
		event = "refer;id=" + r.eventID
	}
	var subState string
	if final {
		if reason == "" {
			reason = "noresource"
		}
		subState = "terminated;reason=" + reason
	} else {
		remaining := int(time.Until(r.expiresAt) / time.Second)
		if remaining < 0 {
			remaining = 0
		}
		subState = fmt.Sprintf("active;expires=%d", remaining)
	}

	// in-dialog подписка строит запросы на диалоге сессии - под её мьютексом
	var req *sip.Request
	if r.inDialog && r.ownerSession != nil {
		r.ownerSession.mu.Lock()
		req = r.dialog.BuildRequest(sip.NOTIFY,
			sip.NewHeader("Event", event),
			sip.NewHeader("Subscription-State", subState),
		)
		r.ownerSession.mu.Unlock()
	} else {
		req = r.dialog.BuildRequest(sip.NOTIFY,
			sip.NewHeader("Event", event),
			sip.NewHeader("Subscription-State", subState),
		)
	}
	req.SetBody(status.Bytes())
	req.AppendHeader(sip.NewHeader("Content-Type", "message/sipfrag"))
	for _, h := range extra {
		req.AppendHeader(h)
	}

	r.lastNotify = status
	r.haveNotify = true

	ctx, cancel := context.WithTimeout(context.Background(), TimerF)
	tx, err := r.ua.tl.TransactionRequest(ctx, req)
	go func() {
		defer cancel()
		if err != nil {
			return
		}
		select {
		case <-tx.Done():
		case <-ctx.Done():
		}
	}()
}

// handleSubscribe обрабатывает SUBSCRIBE на диалоге подписки:
// Expires: 0 - завершение, положительный - продление, отсутствие -
// значение по умолчанию.
func (r *Refer) handleSubscribe(req *sip.Request, tx sip.ServerTransaction) {
	r.mu.Lock()

	if r.fsm.Current() != ReferActive {
		r.mu.Unlock()
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, defaultReason(481), nil))
		return
	}

	expires := int(DefaultReferExpires / time.Second)
	if raw := headerValue(req, "Expires"); raw != "" {
		if v, err := parseMinSE(raw); err == nil && v >= 0 {
			expires = v
		}
	}

	res := sip.NewResponseFromRequest(req, 200, defaultReason(200), nil)
	res.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expires)))
	_ = tx.Respond(res)

	if expires == 0 {
		r.sendNotifyLocked(r.lastStatusLocked(), true, "timeout", nil)
		r.teardownLocked()
		r.mu.Unlock()
		return
	}
	r.expiresAt = time.Now().Add(time.Duration(expires) * time.Second)
	r.armExpireLocked(time.Duration(expires) * time.Second)
	r.mu.Unlock()
}

// --- завершение ---

// Close закрывает подписку. Активная входящая подписка сперва шлёт
// терминирующий NOTIFY; активная исходящая - синтезирует финальное
// событие notify для слушателей.
func (r *Refer) Close() {
	r.mu.Lock()
	if r.fsm.Current() == ReferTerminated {
		r.mu.Unlock()
		return
	}
	if r.direction == DirectionIncoming && r.fsm.Current() == ReferActive {
		r.sendNotifyLocked(r.lastStatusLocked(), true, "noresource", nil)
		r.teardownLocked()
		r.mu.Unlock()
		return
	}
	synth := r.direction == DirectionOutgoing && r.fsm.Current() == ReferActive && !r.finalSeen
	last := r.lastStatusLocked()
	r.teardownLocked()
	r.mu.Unlock()
	if synth {
		r.emit(NotifyEvent{
			Originator:   OriginatorSystem,
			Status:       last,
			SessionEvent: last.sessionEvent(),
			FinalNotify:  true,
		})
	}
}

// teardownLocked - общий путь завершения: таймеры, диалог (если наш),
// реестр. Terminated поглощающее, повторный вызов безопасен.
func (r *Refer) teardownLocked() {
	if r.fsm.Current() == ReferTerminated {
		return
	}
	r.transition("terminate")
	if r.expireTok != 0 {
		r.ua.timers.Cancel(r.expireTok)
		r.expireTok = 0
	}
	if r.notifyWaitTok != 0 {
		r.ua.timers.Cancel(r.notifyWaitTok)
		r.notifyWaitTok = 0
	}
	// in-dialog подписка диалогом не владеет
	if !r.inDialog && r.dialog != nil {
		r.dialog.Terminate()
	}
	r.ua.removeRefer(r)
	r.ua.metrics.referClosed()
}

// --- dialogOwner ---

// handleRequest - входящие запросы на собственном диалоге подписки
// (out-of-dialog REFER).
func (r *Refer) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	switch req.Method {
	case sip.NOTIFY:
		r.handleNotify(req, tx)
	case sip.SUBSCRIBE:
		r.mu.Lock()
		ok := r.dialog != nil && r.dialog.CheckInDialogRequest(req, tx)
		r.mu.Unlock()
		if ok {
			r.handleSubscribe(req, tx)
		}
	case sip.BYE:
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, defaultReason(200), nil))
		r.Close()
	default:
		res := sip.NewResponseFromRequest(req, 405, defaultReason(405), nil)
		res.AppendHeader(sip.NewHeader("Allow", allowHeaderValue()))
		_ = tx.Respond(res)
	}
}

// session timer на диалоге подписки не взводится
func (r *Refer) onSessionRefresh(*Dialog) {}
func (r *Refer) onSessionExpired(*Dialog) {}
