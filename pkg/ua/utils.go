package ua

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// newCancelRequest собирает CANCEL для исходящего INVITE (RFC 3261 §9.1):
// тот же branch (Via копируется), тот же CSeq номер с методом CANCEL.
func newCancelRequest(inviteReq *sip.Request) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, inviteReq.Recipient)
	cancelReq.SipVersion = inviteReq.SipVersion

	if via := inviteReq.Via(); via != nil {
		cancelReq.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", inviteReq, cancelReq)
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	if h := inviteReq.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	cancelReq.CSeq().MethodName = sip.CANCEL

	cancelReq.SetTransport(inviteReq.Transport())
	cancelReq.SetSource(inviteReq.Source())
	cancelReq.SetDestination(inviteReq.Destination())
	return cancelReq
}

// parseDTMFRelay разбирает тело application/dtmf-relay:
//
//	Signal=5
//	Duration=160
func parseDTMFRelay(body []byte) (tone string, duration int) {
	duration = dtmfDefaultDuration
	for _, line := range strings.Split(string(body), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "signal":
			tone = strings.ToUpper(v)
		case "duration":
			if d, err := strconv.Atoi(v); err == nil {
				duration = d
			}
		}
	}
	return tone, duration
}

// buildDTMFRelay сериализует тело application/dtmf-relay.
func buildDTMFRelay(tone string, duration int) []byte {
	return []byte(fmt.Sprintf("Signal=%s\r\nDuration=%d\r\n", tone, duration))
}
