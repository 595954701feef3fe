package ua

import (
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendDTMFValidation(t *testing.T) {
	u, ft := newTestUA(t)
	s, _ := confirmOutgoing(t, u, ft, "t1")

	require.Error(t, s.SendDTMF("", DTMFOptions{}))
	require.Error(t, s.SendDTMF("1X2", DTMFOptions{}))

	u2, _ := newTestUA(t)
	s2, err := u2.Call(t.Context(), testRemoteURI, CallOptions{})
	require.NoError(t, err)
	require.ErrorIs(t, s2.SendDTMF("1", DTMFOptions{}), ErrNotConfirmed)
}

func TestSendDTMFDurationClamped(t *testing.T) {
	u, ft := newTestUA(t)
	s, _ := confirmOutgoing(t, u, ft, "t1")

	require.NoError(t, s.SendDTMF("5", DTMFOptions{Duration: 10}))

	require.Eventually(t, func() bool {
		return len(ft.txsByMethod(sip.INFO)) == 1
	}, waitFor, tick)
	info := ft.txsByMethod(sip.INFO)[0]
	assert.Equal(t, "application/dtmf-relay", headerValue(info.req, "Content-Type"))
	body := string(info.req.Body())
	assert.Contains(t, body, "Signal=5")
	assert.Contains(t, body, "Duration=70", "below-minimum duration clamps to 70")
	info.respond(200, nil)
}

func TestSendDTMFDurationClampedHigh(t *testing.T) {
	u, ft := newTestUA(t)
	s, _ := confirmOutgoing(t, u, ft, "t1")

	require.NoError(t, s.SendDTMF("#", DTMFOptions{Duration: 100000}))
	require.Eventually(t, func() bool {
		return len(ft.txsByMethod(sip.INFO)) == 1
	}, waitFor, tick)
	assert.Contains(t, string(ft.txsByMethod(sip.INFO)[0].req.Body()), "Duration=6000")
	ft.txsByMethod(sip.INFO)[0].respond(200, nil)
}

func TestSendDTMFQueueAbandonedOnFailure(t *testing.T) {
	u, ft := newTestUA(t)
	s, _ := confirmOutgoing(t, u, ft, "t1")

	require.NoError(t, s.SendDTMF("12", DTMFOptions{InterToneGap: 50}))

	require.Eventually(t, func() bool {
		return len(ft.txsByMethod(sip.INFO)) == 1
	}, waitFor, tick)
	// провал первого тона бросает остаток очереди
	ft.txsByMethod(sip.INFO)[0].respond(500, nil)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.dtmf.running
	}, waitFor, tick)
	assert.Len(t, ft.txsByMethod(sip.INFO), 1, "second tone never sent")
}

func TestSendDTMFQueueAppends(t *testing.T) {
	u, ft := newTestUA(t)
	s, _ := confirmOutgoing(t, u, ft, "t1")
	rec := attachSessionRecorder(s)

	require.NoError(t, s.SendDTMF("1", DTMFOptions{InterToneGap: 50}))
	require.NoError(t, s.SendDTMF("2", DTMFOptions{InterToneGap: 50}))

	require.Eventually(t, func() bool {
		return len(ft.txsByMethod(sip.INFO)) >= 1
	}, waitFor, tick)
	ft.txsByMethod(sip.INFO)[0].respond(200, nil)

	require.Eventually(t, func() bool {
		infos := ft.txsByMethod(sip.INFO)
		if len(infos) < 2 {
			return false
		}
		infos[1].respond(200, nil)
		return true
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return rec.count(EventNewDTMF) == 2
	}, waitFor, tick)
}

func TestParseDTMFRelay(t *testing.T) {
	tone, duration := parseDTMFRelay([]byte("Signal=5\r\nDuration=160\r\n"))
	assert.Equal(t, "5", tone)
	assert.Equal(t, 160, duration)

	tone, duration = parseDTMFRelay([]byte("Signal=*\n"))
	assert.Equal(t, "*", tone)
	assert.Equal(t, dtmfDefaultDuration, duration)

	tone, _ = parseDTMFRelay(nil)
	assert.Empty(t, tone)
}

func TestBuildDTMFRelay(t *testing.T) {
	body := string(buildDTMFRelay("#", 250))
	assert.True(t, strings.HasPrefix(body, "Signal=#\r\n"))
	assert.Contains(t, body, "Duration=250")
}

func TestIncomingInfoDTMF(t *testing.T) {
	u, ft := newTestUA(t)
	s, _ := confirmOutgoing(t, u, ft, "t1")
	rec := attachSessionRecorder(s)
	localTag := s.Dialog().ID().LocalTag

	info := makeIncomingRequest(reqParams{
		method: sip.INFO, callID: s.callID, fromTag: "t1", toTag: localTag,
		cseq: 10, body: []byte("Signal=9\r\nDuration=120\r\n"), ctype: "application/dtmf-relay",
	})
	stx := newFakeServerTx(info)
	u.onInDialog(info, stx)

	assert.Equal(t, 200, stx.lastResponse().StatusCode)
	require.Equal(t, 1, rec.count(EventNewDTMF))
	ev := rec.last(EventNewDTMF).(NewDTMFEvent)
	assert.Equal(t, "9", ev.Tone)
	assert.Equal(t, 120, ev.Duration)
	assert.Equal(t, OriginatorRemote, ev.Originator)

	// INFO с неизвестным типом тела отклоняется
	other := makeIncomingRequest(reqParams{
		method: sip.INFO, callID: s.callID, fromTag: "t1", toTag: localTag,
		cseq: 11, body: []byte("{}"), ctype: "application/json",
	})
	stx2 := newFakeServerTx(other)
	u.onInDialog(other, stx2)
	assert.Equal(t, 415, stx2.lastResponse().StatusCode)
}
