package ua

import (
	"context"
	"math/rand"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// Message - одноразовый out-of-dialog MESSAGE: транзиентный объект
// вокруг единственной клиентской или серверной транзакции. Диалог не
// создаётся.
type Message struct {
	emitter
	mu sync.Mutex

	ua        *UserAgent
	direction Direction
	id        string

	req      *sip.Request
	serverTx *serverTx // входящий
	answered bool
	done     bool
}

// ID возвращает идентификатор (Call-ID запроса).
func (m *Message) ID() string { return m.id }

// Direction возвращает направление.
func (m *Message) Direction() Direction { return m.direction }

// Request возвращает запрос MESSAGE.
func (m *Message) Request() *sip.Request { return m.req }

// Body возвращает тело сообщения.
func (m *Message) Body() []byte { return m.req.Body() }

// SendMessage шлёт out-of-dialog MESSAGE. Провизионные ответы
// игнорируются; 2xx даёт succeeded, всё остальное - failed.
func (u *UserAgent) SendMessage(ctx context.Context, target sip.Uri, body []byte, opts MessageOptions) (*Message, error) {
	if target.Host == "" {
		return nil, invalidArg("target", "missing host")
	}

	m := &Message{
		ua:        u,
		direction: DirectionOutgoing,
		id:        generateCallID(),
	}

	req := sip.NewRequest(sip.MESSAGE, target)
	req.AppendHeader(&sip.FromHeader{
		Address: u.localURI,
		Params:  sip.HeaderParams{"tag": generateTag()},
	})
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.HeaderParams{}})
	callID := sip.CallIDHeader(m.id)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: uint32(1 + rand.Intn(10000)), MethodName: sip.MESSAGE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	ct := opts.ContentType
	if ct == "" {
		ct = "text/plain"
	}
	if len(body) > 0 {
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", ct))
	}
	for _, h := range opts.ExtraHeaders {
		req.AppendHeader(h)
	}
	m.req = req

	tx, err := u.tl.TransactionRequest(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "send MESSAGE")
	}

	u.addPendingMessage(m)
	u.emit(NewMessageEvent{Originator: OriginatorLocal, Message: m, Request: req})

	go m.responseLoop(tx)
	return m, nil
}

func (m *Message) responseLoop(tx sip.ClientTransaction) {
	defer m.ua.removePendingMessage(m)
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			if res.StatusCode < 200 {
				continue
			}
			m.mu.Lock()
			if m.done {
				m.mu.Unlock()
				return
			}
			m.done = true
			m.mu.Unlock()
			if res.StatusCode < 300 {
				m.emit(SucceededEvent{Originator: OriginatorRemote, Response: res})
			} else {
				m.emit(FailedEvent{Originator: OriginatorRemote, Message: res, Cause: causeForStatus(res.StatusCode)})
			}
			return
		case <-tx.Done():
			m.mu.Lock()
			if m.done {
				m.mu.Unlock()
				return
			}
			m.done = true
			m.mu.Unlock()
			cause := CauseRequestTimeout
			if err := tx.Err(); err != nil && errors.Is(err, context.Canceled) {
				cause = CauseConnectionError
			}
			m.emit(FailedEvent{Originator: OriginatorSystem, Cause: cause})
			return
		}
	}
}

// newIncomingMessage оборачивает входящий MESSAGE. Если приложение не
// ответило из обработчика newMessage, уходит автоматический 200.
func newIncomingMessage(u *UserAgent, req *sip.Request, tx sip.ServerTransaction) *Message {
	m := &Message{
		ua:        u,
		direction: DirectionIncoming,
		id:        req.CallID().Value(),
		req:       req,
		serverTx:  &serverTx{tx: tx, req: req},
	}

	u.emit(NewMessageEvent{Originator: OriginatorRemote, Message: m, Request: req})

	m.mu.Lock()
	if !m.answered {
		m.answered = true
		_ = m.serverTx.respond(sip.NewResponseFromRequest(req, 200, defaultReason(200), nil))
	}
	m.mu.Unlock()
	return m
}

// Accept подтверждает входящий MESSAGE кодом 2xx.
func (m *Message) Accept(opts StatusOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.direction != DirectionIncoming {
		return invalidState("accept", "outgoing message")
	}
	if m.answered {
		return ErrAlreadyAnswered
	}
	status := opts.StatusCode
	if status == 0 {
		status = 200
	}
	if status < 200 || status > 299 {
		return invalidArg("status_code", "must be 200..299")
	}
	m.answered = true
	reason := opts.ReasonPhrase
	if reason == "" {
		reason = defaultReason(status)
	}
	res := sip.NewResponseFromRequest(m.req, status, reason, nil)
	for _, h := range opts.ExtraHeaders {
		res.AppendHeader(h)
	}
	return m.serverTx.respond(res)
}

// Reject отклоняет входящий MESSAGE кодом 3xx-6xx.
func (m *Message) Reject(opts StatusOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.direction != DirectionIncoming {
		return invalidState("reject", "outgoing message")
	}
	if m.answered {
		return ErrAlreadyAnswered
	}
	status := opts.StatusCode
	if status == 0 {
		status = 480
	}
	if status < 300 || status > 699 {
		return invalidArg("status_code", "must be 300..699")
	}
	m.answered = true
	reason := opts.ReasonPhrase
	if reason == "" {
		reason = defaultReason(status)
	}
	res := sip.NewResponseFromRequest(m.req, status, reason, nil)
	for _, h := range opts.ExtraHeaders {
		res.AppendHeader(h)
	}
	return m.serverTx.respond(res)
}
