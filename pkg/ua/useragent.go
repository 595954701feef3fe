package ua

import (
	"context"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/sipua/pkg/media"
)

// transactionLayer - то, что ядру нужно от клиентской стороны sipgo.
// Интерфейс позволяет гонять машины состояний в тестах без сокетов.
type transactionLayer interface {
	TransactionRequest(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request, opts ...sipgo.ClientRequestOption) error
}

// UserAgentConfig задаёт параметры UA.
type UserAgentConfig struct {
	// URI - локальная идентичность, например "sip:alice@example.com".
	URI string

	// DisplayName для From.
	DisplayName string

	// Contact - URI для Contact заголовков. Пустой - выводится из URI
	// и ListenAddr.
	Contact sip.Uri

	// UserAgent - значение заголовка User-Agent.
	UserAgent string

	// ListenAddr и Transport для входящих сообщений ("0.0.0.0:5060", "udp").
	ListenAddr string
	Transport  string

	// NoAnswerTimeout - сколько секунд входящий вызов ждёт Answer.
	NoAnswerTimeout int

	// SessionExpires - предлагаемый интервал session timer (RFC 4028),
	// секунды. 0 - заголовок Session-Expires не предлагается.
	SessionExpires int

	// MediaFactory создаёт медиа-обработчик для каждой новой сессии.
	// nil - телами SDP управляет приложение.
	MediaFactory func() media.Handler

	// Logger для отладочного лога. nil - лог выключен.
	Logger *slog.Logger

	// Registerer для prometheus метрик. nil - метрики выключены.
	Registerer prometheus.Registerer
}

func (c *UserAgentConfig) withDefaults() error {
	if c.URI == "" {
		return invalidArg("uri", "required")
	}
	if c.UserAgent == "" {
		c.UserAgent = "sipua/1.0"
	}
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.NoAnswerTimeout <= 0 {
		c.NoAnswerTimeout = 60
	}
	if c.SessionExpires < 0 {
		c.SessionExpires = 0
	}
	return nil
}

// UserAgent - фасад ядра: владеет реестрами диалогов, сессий, REFER
// подписок и одноразовых MESSAGE, маршрутизирует входящие запросы к
// владельцам и эмитит события верхнего уровня.
type UserAgent struct {
	emitter

	config UserAgentConfig
	log    *slog.Logger

	sipua  *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client
	tl     transactionLayer

	localURI sip.Uri

	timers  *TimerService
	dialogs *dialogRegistry
	metrics *Metrics

	mu               sync.RWMutex
	sessions         map[string]*Session
	sessionsByBranch map[string]*Session
	refers           map[string]*Refer
	pendingMessages  map[string]*Message
}

// NewUserAgent создаёт UA поверх sipgo. Слушатель запускается
// отдельным вызовом Serve.
func NewUserAgent(cfg UserAgentConfig) (*UserAgent, error) {
	u, err := newCoreUserAgent(cfg, nil)
	if err != nil {
		return nil, err
	}

	sipua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, errors.Wrap(err, "init sipgo UA")
	}
	server, err := sipgo.NewServer(sipua)
	if err != nil {
		return nil, errors.Wrap(err, "init sipgo server")
	}
	client, err := sipgo.NewClient(sipua)
	if err != nil {
		return nil, errors.Wrap(err, "init sipgo client")
	}
	u.sipua = sipua
	u.server = server
	u.client = client
	u.tl = client
	u.setupHandlers()
	return u, nil
}

// newCoreUserAgent собирает ядро без транспортной обвязки sipgo.
// Тесты подставляют собственный transactionLayer.
func newCoreUserAgent(cfg UserAgentConfig, tl transactionLayer) (*UserAgent, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	var localURI sip.Uri
	if err := sip.ParseUri(cfg.URI, &localURI); err != nil {
		return nil, invalidArg("uri", err.Error())
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	u := &UserAgent{
		config:           cfg,
		log:              log,
		tl:               tl,
		localURI:         localURI,
		timers:           NewTimerService(),
		dialogs:          newDialogRegistry(),
		sessions:         make(map[string]*Session),
		sessionsByBranch: make(map[string]*Session),
		refers:           make(map[string]*Refer),
		pendingMessages:  make(map[string]*Message),
	}
	if cfg.Registerer != nil {
		u.metrics = NewMetrics(cfg.Registerer)
	}
	return u, nil
}

// Serve запускает слушатель и блокируется до отмены контекста.
func (u *UserAgent) Serve(ctx context.Context) error {
	if u.server == nil {
		return errors.New("user agent built without transport")
	}
	if u.config.ListenAddr == "" {
		return invalidArg("listen_addr", "required for Serve")
	}
	u.log.Info("SIP UA listening",
		"addr", u.config.ListenAddr, "transport", u.config.Transport)
	return u.server.ListenAndServe(ctx, u.config.Transport, u.config.ListenAddr)
}

// Shutdown завершает все сущности и останавливает стек.
func (u *UserAgent) Shutdown(ctx context.Context) error {
	u.mu.RLock()
	sessions := make([]*Session, 0, len(u.sessions))
	for _, s := range u.sessions {
		sessions = append(sessions, s)
	}
	refers := make([]*Refer, 0, len(u.refers))
	for _, r := range u.refers {
		refers = append(refers, r)
	}
	u.mu.RUnlock()

	for _, s := range sessions {
		_ = s.Terminate(StatusOptions{})
	}
	for _, r := range refers {
		r.Close()
	}
	u.timers.Shutdown()

	if u.sipua != nil {
		_ = u.sipua.Close()
	}
	return nil
}

// contactHeader возвращает Contact для исходящих запросов и ответов.
func (u *UserAgent) contactHeader() *sip.ContactHeader {
	addr := u.config.Contact
	if addr.Host == "" {
		addr = u.localURI
	}
	return &sip.ContactHeader{Address: addr}
}

// --- публичные операции ---

// Call начинает исходящий вызов. Событие newRTCSession эмитится до
// отправки INVITE, чтобы приложение успело подписаться на прогресс.
func (u *UserAgent) Call(ctx context.Context, target sip.Uri, opts CallOptions) (*Session, error) {
	if target.Host == "" {
		return nil, invalidArg("target", "missing host")
	}

	s := newSession(u, DirectionOutgoing)
	if u.config.MediaFactory != nil {
		s.media = u.config.MediaFactory()
	}

	u.emit(NewSessionEvent{Originator: OriginatorLocal, Session: s})

	if err := s.connect(ctx, target, opts); err != nil {
		return nil, err
	}

	u.mu.Lock()
	u.sessions[s.id] = s
	u.mu.Unlock()
	u.metrics.sessionOpened()
	// сессия могла успеть умереть до регистрации
	if s.State() == SessionTerminated {
		u.removeSession(s)
	}
	return s, nil
}

// --- реестры ---

func (u *UserAgent) removeSession(s *Session) {
	u.mu.Lock()
	delete(u.sessions, s.id)
	for branch, owner := range u.sessionsByBranch {
		if owner == s {
			delete(u.sessionsByBranch, branch)
		}
	}
	u.mu.Unlock()
	u.metrics.sessionClosed()
}

func (u *UserAgent) addRefer(r *Refer) {
	u.mu.Lock()
	u.refers[r.id] = r
	u.mu.Unlock()
	u.metrics.referOpened()
}

func (u *UserAgent) removeRefer(r *Refer) {
	u.mu.Lock()
	delete(u.refers, r.id)
	u.mu.Unlock()
}

func (u *UserAgent) addPendingMessage(m *Message) {
	u.mu.Lock()
	u.pendingMessages[m.id] = m
	u.mu.Unlock()
	u.metrics.message(m.direction)
}

func (u *UserAgent) removePendingMessage(m *Message) {
	u.mu.Lock()
	delete(u.pendingMessages, m.id)
	u.mu.Unlock()
}

// --- маршрутизация входящих запросов ---

func (u *UserAgent) setupHandlers() {
	u.server.OnInvite(u.onInvite)
	u.server.OnAck(u.onInDialog)
	u.server.OnBye(u.onInDialog)
	u.server.OnCancel(u.onCancel)
	u.server.OnInfo(u.onInDialog)
	u.server.OnUpdate(u.onInDialog)
	u.server.OnRefer(u.onRefer)
	u.server.OnNotify(u.onNotify)
	u.server.OnSubscribe(u.onSubscribe)
	u.server.OnMessage(u.onMessage)
}

// findDialogForRequest ищет диалог запроса: наш тег - в To.
func (u *UserAgent) findDialogForRequest(req *sip.Request) *Dialog {
	toTag, _ := req.To().Params.Get("tag")
	if toTag == "" {
		return nil
	}
	fromTag, _ := req.From().Params.Get("tag")
	return u.dialogs.get(DialogID{
		CallID:    req.CallID().Value(),
		LocalTag:  toTag,
		RemoteTag: fromTag,
	})
}

// dispatchInDialog передаёт запрос владельцу диалога. false - диалог
// не найден.
func (u *UserAgent) dispatchInDialog(req *sip.Request, tx sip.ServerTransaction) bool {
	d := u.findDialogForRequest(req)
	if d == nil || d.owner == nil {
		return false
	}
	d.owner.handleRequest(req, tx)
	return true
}

func (u *UserAgent) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	if toTag, _ := req.To().Params.Get("tag"); toTag != "" {
		if !u.dispatchInDialog(req, tx) {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 481, defaultReason(481), nil))
		}
		return
	}

	s := newSession(u, DirectionIncoming)
	if u.config.MediaFactory != nil {
		s.media = u.config.MediaFactory()
	}
	if !s.initIncoming(req, tx) {
		return
	}

	u.mu.Lock()
	u.sessions[s.id] = s
	if via := req.Via(); via != nil {
		if branch, ok := via.Params.Get("branch"); ok && branch != "" {
			u.sessionsByBranch[branch] = s
		}
	}
	u.mu.Unlock()
	u.metrics.sessionOpened()

	u.emit(NewSessionEvent{Originator: OriginatorRemote, Session: s, Request: req})
}

func (u *UserAgent) onInDialog(req *sip.Request, tx sip.ServerTransaction) {
	if !u.dispatchInDialog(req, tx) {
		if req.Method != sip.ACK {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 481, defaultReason(481), nil))
		}
	}
}

// onCancel находит сессию по branch исходного INVITE.
func (u *UserAgent) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	var branch string
	if via := req.Via(); via != nil {
		branch, _ = via.Params.Get("branch")
	}
	u.mu.RLock()
	s := u.sessionsByBranch[branch]
	u.mu.RUnlock()
	if s == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, defaultReason(481), nil))
		return
	}
	s.handleCancel(req, tx)
}

func (u *UserAgent) onRefer(req *sip.Request, tx sip.ServerTransaction) {
	if toTag, _ := req.To().Params.Get("tag"); toTag != "" {
		if !u.dispatchInDialog(req, tx) {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 481, defaultReason(481), nil))
		}
		return
	}
	newIncomingRefer(u, req, tx, nil)
}

// handleInDialogRefer - REFER на диалоге сессии (перевод вызова).
func (u *UserAgent) handleInDialogRefer(s *Session, req *sip.Request, tx sip.ServerTransaction) {
	newIncomingRefer(u, req, tx, s)
}

// onNotify: сперва обычная in-dialog маршрутизация; затем исходящие
// REFER, у которых диалог появится только с этим NOTIFY.
func (u *UserAgent) onNotify(req *sip.Request, tx sip.ServerTransaction) {
	if u.dispatchInDialog(req, tx) {
		return
	}
	toTag, _ := req.To().Params.Get("tag")
	u.mu.RLock()
	r := u.refers[req.CallID().Value()+":"+toTag]
	u.mu.RUnlock()
	if r != nil {
		r.handleNotify(req, tx)
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 481, defaultReason(481), nil))
}

func (u *UserAgent) onSubscribe(req *sip.Request, tx sip.ServerTransaction) {
	if u.dispatchInDialog(req, tx) {
		return
	}
	// вне диалога подписки не принимаем: единственный event - refer
	_ = tx.Respond(sip.NewResponseFromRequest(req, 489, defaultReason(489), nil))
}

func (u *UserAgent) onMessage(req *sip.Request, tx sip.ServerTransaction) {
	if toTag, _ := req.To().Params.Get("tag"); toTag != "" && u.dispatchInDialog(req, tx) {
		return
	}
	u.metrics.message(DirectionIncoming)
	newIncomingMessage(u, req, tx)
}

// routeSubscriptionRequest - NOTIFY/SUBSCRIBE на диалоге сессии:
// трафик in-dialog REFER подписок. Матчим по id из Event.
func (u *UserAgent) routeSubscriptionRequest(s *Session, req *sip.Request, tx sip.ServerTransaction) {
	event, id := parseEventID(headerValue(req, "Event"))
	if event != "refer" {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 489, defaultReason(489), nil))
		return
	}

	u.mu.RLock()
	var match *Refer
	for _, r := range u.refers {
		if r.ownerSession == s && (id == "" || r.eventID == id) {
			match = r
			break
		}
	}
	u.mu.RUnlock()

	if match == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, defaultReason(481), nil))
		return
	}
	switch req.Method {
	case sip.NOTIFY:
		match.handleNotify(req, tx)
	case sip.SUBSCRIBE:
		match.handleSubscribe(req, tx)
	}
}
