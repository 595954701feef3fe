package ua

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Role определяет роль стороны в диалоге.
type Role int

const (
	RoleUAC Role = iota
	RoleUAS
)

func (r Role) String() string {
	if r == RoleUAS {
		return "UAS"
	}
	return "UAC"
}

// DialogState - состояние диалога. Из Early возможен только переход в
// Confirmed; Terminate переводит диалог в Terminated из любого состояния.
type DialogState string

const (
	DialogEarly      DialogState = "early"
	DialogConfirmed  DialogState = "confirmed"
	DialogTerminated DialogState = "terminated"
)

// DialogID идентифицирует диалог тройкой (Call-ID, local tag, remote tag).
type DialogID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (id DialogID) String() string {
	return id.CallID + ":" + id.LocalTag + ":" + id.RemoteTag
}

// dialogOwner - обратная связь диалога с владельцем (Session или Refer).
// Ссылка невладеющая: временем жизни диалога управляет реестр UA.
type dialogOwner interface {
	// handleRequest получает входящий in-dialog запрос. Владелец сам
	// прогоняет его через gatekeeper под своим мьютексом.
	handleRequest(req *sip.Request, tx sip.ServerTransaction)
	// onSessionRefresh: локальная сторона - refresher, пора освежать
	// сессию (re-INVITE/UPDATE).
	onSessionRefresh(d *Dialog)
	// onSessionExpired: удалённый refresher не освежил сессию.
	// Владелец обязан отправить BYE с Reason cause=408 и завершиться.
	onSessionExpired(d *Dialog)
}

// serverTx обёртывает серверную транзакцию, отслеживая отправку
// финального ответа. sipgo не раскрывает состояние транзакции, поэтому
// правило "один активный модификатор" (RFC 3261 §14.2) ядро ведёт само.
type serverTx struct {
	tx        sip.ServerTransaction
	req       *sip.Request
	finalSent bool
}

func (st *serverTx) respond(res *sip.Response) error {
	if res.StatusCode >= 200 {
		st.finalSent = true
	}
	return st.tx.Respond(res)
}

// pending сообщает, что транзакция ещё не получила финальный ответ.
func (st *serverTx) pending() bool { return st != nil && !st.finalSent }

// sessionTimerState - под-состояние RFC 4028 внутри диалога.
type sessionTimerState struct {
	interval       int // секунды; 0 - refresh выключен
	minInterval    int
	localRefresher bool
	timerTok       TimerToken
}

// Dialog - состояние SIP диалога (RFC 3261 §12): адресация, route set,
// нумерация CSeq, remote target и session timer. Диалог строит
// in-dialog запросы и фильтрует входящие до того, как их увидит владелец.
type Dialog struct {
	ua    *UserAgent
	id    DialogID
	role  Role
	state DialogState

	localURI     sip.Uri
	remoteURI    sip.Uri
	remoteTarget sip.Uri
	routeSet     []sip.RouteHeader

	localSeq     uint32
	localSeqSet  bool
	remoteSeq    uint32
	remoteSeqSet bool

	lastInviteTx *serverTx
	lastUpdateTx *serverTx

	sessTimer sessionTimerState

	owner dialogOwner

	// Мьютекс не нужен: диалог всегда мутируется под мьютексом владельца.
}

// newUACDialog создаёт диалог по ответу на наш запрос (RFC 3261 §12.1.2).
// Ответ обязан нести Contact. Статус < 200 даёт ранний диалог.
func newUACDialog(ua *UserAgent, req *sip.Request, res *sip.Response, owner dialogOwner) (*Dialog, error) {
	contact := extractURIFromHeaderValue(headerValue(res, "Contact"))
	if contact == nil {
		return nil, invalidArg("response", "dialog-creating response without Contact")
	}
	fromTag, _ := req.From().Params.Get("tag")
	toTag, _ := res.To().Params.Get("tag")
	if toTag == "" {
		return nil, invalidArg("response", "dialog-creating response without to-tag")
	}

	state := DialogConfirmed
	if res.StatusCode < 200 {
		state = DialogEarly
	}

	d := &Dialog{
		ua:    ua,
		role:  RoleUAC,
		state: state,
		id: DialogID{
			CallID:    req.CallID().Value(),
			LocalTag:  fromTag,
			RemoteTag: toTag,
		},
		localURI:     req.From().Address,
		remoteURI:    req.To().Address,
		remoteTarget: *contact,
		owner:        owner,
	}
	// CSeq продолжается с номера исходного запроса
	d.localSeq = req.CSeq().SeqNo
	d.localSeqSet = true

	// Route set: Record-Route ответа в обратном порядке (§12.1.2)
	rrs := res.GetHeaders("Record-Route")
	for i := len(rrs) - 1; i >= 0; i-- {
		if uri := extractURIFromHeaderValue(rrs[i].Value()); uri != nil {
			d.routeSet = append(d.routeSet, sip.RouteHeader{Address: *uri})
		}
	}

	ua.dialogs.add(d)
	ua.metrics.setDialogs(ua.dialogs.len())
	return d, nil
}

// newUASDialog создаёт диалог по принятому dialog-создающему запросу
// (RFC 3261 §12.1.1). localTag - тег, который мы кладём в To ответа.
func newUASDialog(ua *UserAgent, req *sip.Request, localTag string, state DialogState, owner dialogOwner) (*Dialog, error) {
	contact := extractURIFromHeaderValue(headerValue(req, "Contact"))
	if contact == nil {
		return nil, invalidArg("request", "dialog-creating request without Contact")
	}
	fromTag, _ := req.From().Params.Get("tag")

	d := &Dialog{
		ua:    ua,
		role:  RoleUAS,
		state: state,
		id: DialogID{
			CallID:    req.CallID().Value(),
			LocalTag:  localTag,
			RemoteTag: fromTag,
		},
		localURI:     req.To().Address,
		remoteURI:    req.From().Address,
		remoteTarget: *contact,
		owner:        owner,
	}
	d.remoteSeq = req.CSeq().SeqNo
	d.remoteSeqSet = true

	// Route set: Record-Route запроса в прямом порядке (§12.1.1)
	for _, rr := range req.GetHeaders("Record-Route") {
		if uri := extractURIFromHeaderValue(rr.Value()); uri != nil {
			d.routeSet = append(d.routeSet, sip.RouteHeader{Address: *uri})
		}
	}

	ua.dialogs.add(d)
	ua.metrics.setDialogs(ua.dialogs.len())
	return d, nil
}

// ID возвращает идентификатор диалога.
func (d *Dialog) ID() DialogID { return d.id }

// State возвращает текущее состояние.
func (d *Dialog) State() DialogState { return d.state }

// Role возвращает роль диалога.
func (d *Dialog) Role() Role { return d.role }

// RemoteTarget возвращает текущий remote target URI.
func (d *Dialog) RemoteTarget() sip.Uri { return d.remoteTarget }

// RemoteSeq возвращает последний принятый CSeq пира.
func (d *Dialog) RemoteSeq() uint32 { return d.remoteSeq }

// Confirm переводит ранний диалог в подтверждённый и обновляет
// route set / remote target из финального ответа.
func (d *Dialog) Confirm(res *sip.Response) {
	if d.state != DialogEarly {
		return
	}
	d.state = DialogConfirmed
	if res != nil {
		if uri := extractURIFromHeaderValue(headerValue(res, "Contact")); uri != nil {
			d.remoteTarget = *uri
		}
		if rrs := res.GetHeaders("Record-Route"); len(rrs) > 0 {
			d.routeSet = d.routeSet[:0]
			for i := len(rrs) - 1; i >= 0; i-- {
				if uri := extractURIFromHeaderValue(rrs[i].Value()); uri != nil {
					d.routeSet = append(d.routeSet, sip.RouteHeader{Address: *uri})
				}
			}
		}
	}
	d.ua.log.Debug("dialog confirmed", "dialog", d.id.String())
}

// BuildRequest строит in-dialog запрос (RFC 3261 §12.2.1.1).
// CANCEL и ACK переиспользуют текущий CSeq, остальные методы
// инкрементируют его.
func (d *Dialog) BuildRequest(method sip.RequestMethod, extra ...sip.Header) *sip.Request {
	if !d.localSeqSet {
		d.localSeq = uint32(rand.Intn(10000))
		d.localSeqSet = true
	}
	if method != sip.CANCEL && method != sip.ACK {
		d.localSeq++
	}

	req := sip.NewRequest(method, d.remoteTarget)
	req.AppendHeader(&sip.FromHeader{
		Address: d.localURI,
		Params:  sip.HeaderParams{"tag": d.id.LocalTag},
	})
	to := &sip.ToHeader{Address: d.remoteURI, Params: sip.HeaderParams{}}
	if d.id.RemoteTag != "" {
		to.Params["tag"] = d.id.RemoteTag
	}
	req.AppendHeader(to)
	callID := sip.CallIDHeader(d.id.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.localSeq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(d.ua.contactHeader())
	for i := range d.routeSet {
		req.AppendHeader(&d.routeSet[i])
	}

	if method == sip.INVITE || method == sip.UPDATE {
		d.appendSessionTimerHeaders(req)
	}
	for _, h := range extra {
		req.AppendHeader(h)
	}
	return req
}

// appendSessionTimerHeaders добавляет Session-Expires и Min-SE (RFC 4028 §7.1).
func (d *Dialog) appendSessionTimerHeaders(req *sip.Request) {
	interval := d.sessTimer.interval
	if interval == 0 {
		interval = d.ua.config.SessionExpires
	}
	if interval > 0 {
		req.AppendHeader(sip.NewHeader("Session-Expires", fmt.Sprintf("%d", interval)))
	}
	minSE := d.sessTimer.minInterval
	if minSE == 0 {
		minSE = int(MinSessionExpires / time.Second)
	}
	req.AppendHeader(sip.NewHeader("Min-SE", fmt.Sprintf("%d", minSE)))
}

// CheckInDialogRequest - gatekeeper входящих in-dialog запросов.
// Возвращает false, если запрос отвергнут (ответ уже отправлен).
// Порядок проверок: CSeq, затем конфликт модификаторов.
func (d *Dialog) CheckInDialogRequest(req *sip.Request, tx sip.ServerTransaction) bool {
	cseq := req.CSeq().SeqNo
	switch {
	case !d.remoteSeqSet:
		d.remoteSeq = cseq
		d.remoteSeqSet = true
	case cseq < d.remoteSeq:
		// Устаревший запрос. ACK не подтверждаем ничем (RFC 3261 §12.2.2).
		if req.Method != sip.ACK {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 500, defaultReason(500), nil))
		}
		d.ua.log.Debug("stale in-dialog request rejected",
			"dialog", d.id.String(), "method", string(req.Method), "cseq", cseq)
		return false
	case cseq > d.remoteSeq:
		d.remoteSeq = cseq
	}

	switch req.Method {
	case sip.INVITE:
		if d.lastInviteTx.pending() {
			d.respondModifierConflict(req, tx)
			return false
		}
		d.lastInviteTx = &serverTx{tx: tx, req: req}
	case sip.UPDATE:
		if d.lastUpdateTx.pending() {
			d.respondModifierConflict(req, tx)
			return false
		}
		d.lastUpdateTx = &serverTx{tx: tx, req: req}
	}
	return true
}

// respondModifierConflict шлёт 500 Retry-After 1..10 при конкурирующем
// INVITE (RFC 3261 §14.2) или UPDATE (RFC 3311 §5.2).
func (d *Dialog) respondModifierConflict(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 500, defaultReason(500), nil)
	res.AppendHeader(sip.NewHeader("Retry-After", retryAfterValue()))
	_ = tx.Respond(res)
}

// TargetRefresh обновляет remote target после принятого запроса.
// Target-refresh методы: INVITE, UPDATE и NOTIFY (RFC 6665 §4.5.3).
func (d *Dialog) TargetRefresh(req *sip.Request) {
	switch req.Method {
	case sip.INVITE, sip.UPDATE, sip.NOTIFY:
		if uri := extractURIFromHeaderValue(headerValue(req, "Contact")); uri != nil {
			d.remoteTarget = *uri
		}
	}
}

// ProcessSessionTimerHeaders обрабатывает Session-Expires/Min-SE из 2xx
// на INVITE или UPDATE - отправленного или принятого (RFC 4028).
// isRequest=true, когда заголовки пришли в запросе (мы UAS).
func (d *Dialog) ProcessSessionTimerHeaders(msg sip.Message, isRequest bool) {
	if h := headerValue(msg, "Min-SE"); h != "" {
		if minSE, err := parseMinSE(h); err == nil && minSE > d.sessTimer.minInterval {
			d.sessTimer.minInterval = minSE
		}
	}

	seRaw := headerValue(msg, "Session-Expires")
	if seRaw == "" {
		d.sessTimer.interval = 0
		d.cancelSessionTimer()
		return
	}
	se, err := parseSessionExpires(seRaw)
	if err != nil {
		return
	}
	d.sessTimer.interval = se.Interval
	if isRequest {
		// в запросе отсутствие refresher трактуем как uas, то есть мы
		d.sessTimer.localRefresher = se.Refresher == "" || se.Refresher == "uas"
	} else {
		d.sessTimer.localRefresher = se.Refresher == "uac"
	}
	d.scheduleSessionTimer()
}

// scheduleSessionTimer перевзводит refresh/expiry таймер (RFC 4028 §10).
func (d *Dialog) scheduleSessionTimer() {
	d.cancelSessionTimer()
	interval := time.Duration(d.sessTimer.interval) * time.Second
	if interval <= 0 {
		return
	}
	if d.sessTimer.localRefresher {
		d.sessTimer.timerTok = d.ua.timers.Schedule(interval/2, func() {
			if d.owner != nil {
				d.owner.onSessionRefresh(d)
			}
		})
		return
	}
	guard := interval / 3
	if guard < 32*time.Second {
		guard = 32 * time.Second
	}
	fireAt := interval - guard
	if fireAt < 0 {
		fireAt = 0
	}
	d.sessTimer.timerTok = d.ua.timers.Schedule(fireAt, func() {
		if d.owner != nil {
			d.owner.onSessionExpired(d)
		}
	})
}

func (d *Dialog) cancelSessionTimer() {
	if d.sessTimer.timerTok != 0 {
		d.ua.timers.Cancel(d.sessTimer.timerTok)
		d.sessTimer.timerTok = 0
	}
}

// Terminate снимает таймеры диалога и убирает его из реестра.
// Владелец завершает себя до диалога.
func (d *Dialog) Terminate() {
	if d.state == DialogTerminated {
		return
	}
	d.state = DialogTerminated
	d.cancelSessionTimer()
	d.ua.dialogs.remove(d.id)
	d.ua.metrics.setDialogs(d.ua.dialogs.len())
	d.ua.log.Debug("dialog terminated", "dialog", d.id.String())
}

// headerValue возвращает значение первого заголовка name или "".
func headerValue(msg sip.Message, name string) string {
	if h := msg.GetHeaders(name); len(h) > 0 {
		return h[0].Value()
	}
	return ""
}
