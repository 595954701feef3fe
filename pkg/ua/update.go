package ua

import (
	"context"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// Состояния суб-машины UPDATE (RFC 3311).
const (
	UpdateNull      = "null"
	UpdateSent      = "sent"
	UpdateReceived  = "received"
	UpdateSucceeded = "succeeded"
	UpdateFailed    = "failed"
)

// Update - эфемерная суб-машина UPDATE на диалоге сессии.
// UPDATE без тела - это refresh по RFC 4028 и принимается автоматически;
// UPDATE с телом требует явного согласия приложения.
type Update struct {
	session   *Session
	direction Direction
	state     string
	req       *sip.Request
	answered  bool
	reaped    bool
}

func (u *Update) activeIncoming() bool {
	return u != nil && !u.reaped && u.direction == DirectionIncoming && u.state == UpdateReceived
}

func (u *Update) reap() {
	if u != nil {
		u.reaped = true
	}
}

// handleUpdate обрабатывает входящий UPDATE. Разрешён в Confirmed и
// WaitingForAck; конфликт транзакций диалог уже отбил 500-кой.
func (s *Session) handleUpdate(req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.fsm.Current()
	if state != SessionConfirmed && state != SessionWaitingForAck {
		res := sip.NewResponseFromRequest(req, 491, defaultReason(491), nil)
		if s.dialog != nil && s.dialog.lastUpdateTx != nil && s.dialog.lastUpdateTx.tx == tx {
			_ = s.dialog.lastUpdateTx.respond(res)
		} else {
			_ = tx.Respond(res)
		}
		return
	}

	u := &Update{
		session:   s,
		direction: DirectionIncoming,
		state:     UpdateReceived,
		req:       req,
	}
	s.update = u

	if len(req.Body()) == 0 {
		// bodyless UPDATE: session-timer refresh, автоответ 200
		s.acceptUpdateLocked(u, Body{})
		return
	}

	ct := strings.ToLower(headerValue(req, "Content-Type"))
	if !strings.HasPrefix(ct, "application/sdp") {
		_ = s.dialog.lastUpdateTx.respond(sip.NewResponseFromRequest(req, 415, defaultReason(415), nil))
		u.state = UpdateFailed
		s.update = nil
		return
	}

	ev := UpdateEvent{
		Request: req,
		Accept: func(body Body) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if u.reaped || u != s.update || u.answered {
				return ErrTerminated
			}
			return s.acceptUpdateLocked(u, body)
		},
		Reject: func(opts StatusOptions) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.rejectUpdateLocked(u, opts)
		},
	}
	s.mu.Unlock()
	s.emit(ev)
	s.mu.Lock()

	// приложение промолчало: модификацию с телом отклоняем 488
	if u == s.update && !u.answered && !u.reaped {
		_ = s.rejectUpdateLocked(u, StatusOptions{StatusCode: 488})
	}
}

func (s *Session) acceptUpdateLocked(u *Update, body Body) error {
	u.answered = true

	if s.media != nil && len(u.req.Body()) > 0 {
		if err := s.media.SetRemoteDescription(u.req.Body()); err != nil {
			_ = s.dialog.lastUpdateTx.respond(sip.NewResponseFromRequest(u.req, 488, defaultReason(488), nil))
			u.state = UpdateFailed
			s.update = nil
			return errors.Wrap(err, "remote description")
		}
		if body.IsZero() {
			answer, err := s.media.CreateAnswer(context.Background())
			if err != nil {
				return errors.Wrap(err, "create answer")
			}
			body = Body{Content: answer, ContentType: "application/sdp"}
		}
	}

	s.dialog.TargetRefresh(u.req)
	s.dialog.ProcessSessionTimerHeaders(u.req, true)

	res := sip.NewResponseFromRequest(u.req, 200, defaultReason(200), body.Content)
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
	if err := s.dialog.lastUpdateTx.respond(res); err != nil {
		return errors.Wrap(err, "send 200")
	}
	u.state = UpdateSucceeded
	s.update = nil
	return nil
}

func (s *Session) rejectUpdateLocked(u *Update, opts StatusOptions) error {
	if u.reaped || u != s.update || u.answered {
		return ErrTerminated
	}
	status := opts.StatusCode
	if status == 0 {
		status = 488
	}
	if status < 300 || status > 699 {
		return invalidArg("status_code", "must be 300..699")
	}
	u.answered = true
	reason := opts.ReasonPhrase
	if reason == "" {
		reason = defaultReason(status)
	}
	_ = s.dialog.lastUpdateTx.respond(sip.NewResponseFromRequest(u.req, status, reason, nil))
	u.state = UpdateFailed
	s.update = nil
	return nil
}

// SendUpdate шлёт UPDATE на диалоге сессии. Пустое body - refresh
// session timer (RFC 4028 §7.4).
func (s *Session) SendUpdate(ctx context.Context, body Body) error {
	s.mu.Lock()

	state := s.fsm.Current()
	if state != SessionConfirmed && state != SessionWaitingForAck {
		s.mu.Unlock()
		return ErrNotConfirmed
	}
	if s.update != nil && !s.update.reaped && s.update.state == UpdateSent {
		s.mu.Unlock()
		return ErrPendingModifier
	}

	req := s.dialog.BuildRequest(sip.UPDATE)
	if !body.IsZero() {
		req.SetBody(body.Content)
		req.AppendHeader(sip.NewHeader("Content-Type", body.ContentType))
	}

	tx, err := s.ua.tl.TransactionRequest(ctx, req)
	if err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "send UPDATE")
	}

	u := &Update{session: s, direction: DirectionOutgoing, state: UpdateSent, req: req}
	s.update = u
	s.mu.Unlock()

	go u.responseLoop(tx)
	return nil
}

func (u *Update) responseLoop(tx sip.ClientTransaction) {
	s := u.session
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			if res.StatusCode < 200 {
				continue
			}
			s.mu.Lock()
			if u.reaped {
				s.mu.Unlock()
				return
			}
			if res.StatusCode < 300 {
				s.dialog.ProcessSessionTimerHeaders(res, false)
				u.state = UpdateSucceeded
			} else {
				u.state = UpdateFailed
			}
			if u == s.update {
				s.update = nil
			}
			s.mu.Unlock()
			return
		case <-tx.Done():
			s.mu.Lock()
			if !u.reaped {
				u.state = UpdateFailed
				if u == s.update {
					s.update = nil
				}
			}
			s.mu.Unlock()
			return
		}
	}
}
