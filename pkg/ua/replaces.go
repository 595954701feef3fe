package ua

import (
	"context"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// ReplacesInfo - содержимое Replaces (RFC 3891): какой диалог должен
// быть заменён при attended transfer.
type ReplacesInfo struct {
	CallID    string
	FromTag   string
	ToTag     string
	EarlyOnly bool
}

// BuildReplacesHeader сериализует значение Replaces:
// "<Call-ID>;from-tag=<tag>;to-tag=<tag>[;early-only]".
func (r *ReplacesInfo) BuildReplacesHeader() string {
	replaces := fmt.Sprintf("%s;from-tag=%s;to-tag=%s", r.CallID, r.FromTag, r.ToTag)
	if r.EarlyOnly {
		replaces += ";early-only"
	}
	return replaces
}

// ParseReplacesHeader разбирает значение Replaces.
func ParseReplacesHeader(header string) (*ReplacesInfo, error) {
	parts := strings.Split(header, ";")
	if len(parts) < 3 {
		return nil, errors.New("invalid Replaces header format")
	}
	info := &ReplacesInfo{CallID: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if p == "early-only" {
			info.EarlyOnly = true
			continue
		}
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		switch k {
		case "from-tag":
			info.FromTag = v
		case "to-tag":
			info.ToTag = v
		}
	}
	if info.FromTag == "" || info.ToTag == "" {
		return nil, errors.New("missing required tags in Replaces header")
	}
	return info, nil
}

// Refer шлёт REFER внутри диалога сессии: blind transfer. Подписка
// живёт на диалоге сессии, Event получает id=<CSeq> для различения
// конкурентных переводов.
func (s *Session) Refer(ctx context.Context, referTo sip.Uri, opts ReferOptions) (*Refer, error) {
	if referTo.Host == "" || (referTo.Scheme != "sip" && referTo.Scheme != "sips") {
		return nil, invalidArg("refer_to", "not a SIP URI")
	}
	return s.sendReferLocked(ctx, "<"+referTo.String()+">", referTo, opts)
}

// ReferReplace шлёт REFER с Replaces в Refer-To: attended transfer,
// заменяющий диалог replace новым вызовом.
func (s *Session) ReferReplace(ctx context.Context, replace *Session, opts ReferOptions) (*Refer, error) {
	rd := replace.Dialog()
	if rd == nil {
		return nil, invalidArg("replace", "session has no confirmed dialog")
	}
	id := rd.ID()
	replaces := &ReplacesInfo{
		CallID: id.CallID,
		// теги с точки зрения стороны, получающей REFER
		FromTag: id.RemoteTag,
		ToTag:   id.LocalTag,
	}
	target := rd.RemoteTarget()
	referToValue := fmt.Sprintf("<%s?Replaces=%s>", target.String(), replaces.BuildReplacesHeader())
	return s.sendReferLocked(ctx, referToValue, target, opts)
}

func (s *Session) sendReferLocked(ctx context.Context, referToValue string, referTo sip.Uri, opts ReferOptions) (*Refer, error) {
	s.mu.Lock()

	if s.fsm.Current() != SessionConfirmed {
		s.mu.Unlock()
		return nil, ErrNotConfirmed
	}
	if len(s.allowed) > 0 && !s.allowed[sip.REFER] {
		s.mu.Unlock()
		return nil, errors.New("peer does not allow REFER")
	}

	extra := append([]sip.Header{
		sip.NewHeader("Refer-To", referToValue),
	}, opts.ExtraHeaders...)
	req := s.dialog.BuildRequest(sip.REFER, extra...)

	r := &Refer{
		ua:           s.ua,
		direction:    DirectionOutgoing,
		fsm:          newReferFSM(),
		referTo:      referTo,
		referReq:     req,
		inDialog:     true,
		ownerSession: s,
		dialog:       s.dialog,
		callID:       s.callID,
		localTag:     s.localTag,
		eventID:      fmt.Sprintf("%d", req.CSeq().SeqNo),
	}
	r.id = r.callID + ":" + r.localTag + ":" + r.eventID
	s.mu.Unlock()

	tx, err := s.ua.tl.TransactionRequest(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "send REFER")
	}

	s.ua.addRefer(r)
	s.ua.emit(NewReferEvent{Originator: OriginatorLocal, Refer: r, Request: req})

	go r.referResponseLoop(tx)
	return r, nil
}
