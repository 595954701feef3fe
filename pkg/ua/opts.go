package ua

import "github.com/emiago/sipgo/sip"

// Body - тело SIP сообщения вместе с его Content-Type.
// Для INVITE/UPDATE это application/sdp, для INFO - application/dtmf-relay.
type Body struct {
	Content     []byte
	ContentType string
}

// IsZero сообщает, что тела нет.
func (b Body) IsZero() bool { return len(b.Content) == 0 }

// StatusOptions - параметры ответа/завершения, передаваемые приложением.
// Поля перечислены явно; ничего кроме них ядро не принимает.
type StatusOptions struct {
	StatusCode   int
	ReasonPhrase string
	ExtraHeaders []sip.Header
	Body         Body
}

// AnswerOptions - параметры ответа 200 на входящий INVITE.
type AnswerOptions struct {
	ExtraHeaders []sip.Header
	Body         Body
}

// CallOptions - параметры исходящего вызова.
type CallOptions struct {
	ExtraHeaders []sip.Header
	Body         Body
	Anonymous    bool
}

// DTMFOptions - параметры очереди DTMF.
type DTMFOptions struct {
	// Duration - длительность тона, мс. 0 - значение по умолчанию.
	Duration int
	// InterToneGap - пауза между тонами, мс. 0 - значение по умолчанию.
	InterToneGap int
}

// NotifyOptions - параметры исходящего NOTIFY по подписке REFER.
type NotifyOptions struct {
	StatusCode      int
	ReasonPhrase    string
	Body            Body
	FinalNotify     bool
	TerminateReason string
	ExtraHeaders    []sip.Header
}

// ReferOptions - параметры исходящего REFER.
type ReferOptions struct {
	ExtraHeaders []sip.Header
	// TargetSession привязывает REFER к существующей сессии через
	// Target-Dialog (RFC 4538). Добавляет Require: tdialog.
	TargetSession *Session
	// NoReferSub просит не создавать неявную подписку (RFC 4488).
	NoReferSub bool
}

// MessageOptions - параметры out-of-dialog MESSAGE.
type MessageOptions struct {
	ExtraHeaders []sip.Header
	ContentType  string
}
