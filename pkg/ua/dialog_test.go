package ua

import (
	"strconv"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUASDialog(t *testing.T, u *UserAgent, callID string) *Dialog {
	t.Helper()
	invite := makeIncomingRequest(reqParams{
		method: sip.INVITE, callID: callID, fromTag: "remote", cseq: 10, contact: true,
	})
	d, err := newUASDialog(u, invite, "local", DialogEarly, nil)
	require.NoError(t, err)
	return d
}

func TestDialogCreationRequiresContact(t *testing.T) {
	u, _ := newTestUA(t)

	invite := makeIncomingRequest(reqParams{
		method: sip.INVITE, callID: "d-1", fromTag: "remote", cseq: 1,
	})
	_, err := newUASDialog(u, invite, "local", DialogEarly, nil)
	var argErr *InvalidArgError
	require.ErrorAs(t, err, &argErr)
}

func TestDialogIDAndRegistry(t *testing.T) {
	u, _ := newTestUA(t)
	d := newTestUASDialog(t, u, "d-2")

	id := d.ID()
	assert.Equal(t, DialogID{CallID: "d-2", LocalTag: "local", RemoteTag: "remote"}, id)
	assert.Equal(t, "d-2:local:remote", id.String())
	assert.Same(t, d, u.dialogs.get(id))

	d.Terminate()
	assert.Nil(t, u.dialogs.get(id))
	// повторное завершение - no-op
	d.Terminate()
}

func TestDialogCSeqPolicy(t *testing.T) {
	u, _ := newTestUA(t)
	d := newTestUASDialog(t, u, "d-3")

	first := d.BuildRequest(sip.INFO)
	base := first.CSeq().SeqNo
	assert.Less(t, base, uint32(10001), "lazy CSeq starts below 10000")

	second := d.BuildRequest(sip.INFO)
	assert.Equal(t, base+1, second.CSeq().SeqNo)

	// ACK и CANCEL переиспользуют текущий номер
	ack := d.BuildRequest(sip.ACK)
	assert.Equal(t, base+1, ack.CSeq().SeqNo)
	cancel := d.BuildRequest(sip.CANCEL)
	assert.Equal(t, base+1, cancel.CSeq().SeqNo)

	bye := d.BuildRequest(sip.BYE)
	assert.Equal(t, base+2, bye.CSeq().SeqNo)
}

func TestDialogBuildRequestHeaders(t *testing.T) {
	u, _ := newTestUA(t)
	d := newTestUASDialog(t, u, "d-4")

	req := d.BuildRequest(sip.INVITE)

	fromTag, _ := req.From().Params.Get("tag")
	toTag, _ := req.To().Params.Get("tag")
	assert.Equal(t, "local", fromTag)
	assert.Equal(t, "remote", toTag)
	assert.Equal(t, "d-4", req.CallID().Value())
	assert.Equal(t, "bob", req.Recipient.User, "request URI is the remote target")

	// INVITE несёт заголовки session timer
	se := headerValue(req, "Session-Expires")
	require.NotEmpty(t, se)
	assert.Equal(t, "1800", se)
	assert.Equal(t, "90", headerValue(req, "Min-SE"))

	// INFO - нет
	info := d.BuildRequest(sip.INFO)
	assert.Empty(t, headerValue(info, "Session-Expires"))
}

func TestDialogGatekeeperInviteConflict(t *testing.T) {
	u, _ := newTestUA(t)
	d := newTestUASDialog(t, u, "d-5")

	inv1 := makeIncomingRequest(reqParams{
		method: sip.INVITE, callID: "d-5", fromTag: "remote", toTag: "local", cseq: 11, contact: true,
	})
	tx1 := newFakeServerTx(inv1)
	require.True(t, d.CheckInDialogRequest(inv1, tx1))

	// конкурирующий INVITE, пока первый без финального ответа
	inv2 := makeIncomingRequest(reqParams{
		method: sip.INVITE, callID: "d-5", fromTag: "remote", toTag: "local", cseq: 12, contact: true,
	})
	tx2 := newFakeServerTx(inv2)
	require.False(t, d.CheckInDialogRequest(inv2, tx2))
	res := tx2.lastResponse()
	require.NotNil(t, res)
	assert.Equal(t, 500, res.StatusCode)
	retry, err := strconv.Atoi(headerValue(res, "Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)
	assert.LessOrEqual(t, retry, 10)

	// финальный ответ снимает конфликт
	_ = d.lastInviteTx.respond(sip.NewResponseFromRequest(inv1, 200, "OK", nil))
	inv3 := makeIncomingRequest(reqParams{
		method: sip.INVITE, callID: "d-5", fromTag: "remote", toTag: "local", cseq: 13, contact: true,
	})
	require.True(t, d.CheckInDialogRequest(inv3, newFakeServerTx(inv3)))
}

func TestDialogGatekeeperUpdateConflict(t *testing.T) {
	u, _ := newTestUA(t)
	d := newTestUASDialog(t, u, "d-6")

	up1 := makeIncomingRequest(reqParams{
		method: sip.UPDATE, callID: "d-6", fromTag: "remote", toTag: "local", cseq: 11,
	})
	require.True(t, d.CheckInDialogRequest(up1, newFakeServerTx(up1)))

	up2 := makeIncomingRequest(reqParams{
		method: sip.UPDATE, callID: "d-6", fromTag: "remote", toTag: "local", cseq: 12,
	})
	tx2 := newFakeServerTx(up2)
	require.False(t, d.CheckInDialogRequest(up2, tx2))
	assert.Equal(t, 500, tx2.lastResponse().StatusCode)
	assert.NotEmpty(t, headerValue(tx2.lastResponse(), "Retry-After"))
}

func TestDialogRemoteSeqMonotonic(t *testing.T) {
	u, _ := newTestUA(t)
	d := newTestUASDialog(t, u, "d-7")
	require.Equal(t, uint32(10), d.RemoteSeq(), "adopted from the INVITE")

	info := makeIncomingRequest(reqParams{
		method: sip.INFO, callID: "d-7", fromTag: "remote", toTag: "local", cseq: 20,
	})
	require.True(t, d.CheckInDialogRequest(info, newFakeServerTx(info)))
	assert.Equal(t, uint32(20), d.RemoteSeq())

	stale := makeIncomingRequest(reqParams{
		method: sip.INFO, callID: "d-7", fromTag: "remote", toTag: "local", cseq: 5,
	})
	tx := newFakeServerTx(stale)
	require.False(t, d.CheckInDialogRequest(stale, tx))
	assert.Equal(t, 500, tx.lastResponse().StatusCode)
	assert.Equal(t, uint32(20), d.RemoteSeq(), "remote seq never decreases")
}

func TestDialogTargetRefresh(t *testing.T) {
	u, _ := newTestUA(t)
	d := newTestUASDialog(t, u, "d-8")
	require.Equal(t, "10.0.0.2", d.RemoteTarget().Host)

	notify := makeIncomingRequest(reqParams{
		method: sip.NOTIFY, callID: "d-8", fromTag: "remote", toTag: "local", cseq: 30,
	})
	notify.AppendHeader(sip.NewHeader("Contact", "<sip:bob@10.9.9.9:5070>"))
	d.TargetRefresh(notify)
	assert.Equal(t, "10.9.9.9", d.RemoteTarget().Host)

	// BYE не target-refresh метод
	bye := makeIncomingRequest(reqParams{
		method: sip.BYE, callID: "d-8", fromTag: "remote", toTag: "local", cseq: 31,
	})
	bye.AppendHeader(sip.NewHeader("Contact", "<sip:bob@10.1.1.1>"))
	d.TargetRefresh(bye)
	assert.Equal(t, "10.9.9.9", d.RemoteTarget().Host)
}

func TestProcessSessionTimerHeaders(t *testing.T) {
	u, _ := newTestUA(t)
	d := newTestUASDialog(t, u, "d-9")
	d.owner = &stubOwner{}

	// Min-SE двигается только вверх
	res := sip.NewResponseFromRequest(makeIncomingRequest(reqParams{
		method: sip.INVITE, callID: "d-9", fromTag: "remote", cseq: 1, contact: true,
	}), 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Min-SE", "120"))
	res.AppendHeader(sip.NewHeader("Session-Expires", "1800;refresher=uac"))
	d.ProcessSessionTimerHeaders(res, false)
	assert.Equal(t, 120, d.sessTimer.minInterval)
	assert.Equal(t, 1800, d.sessTimer.interval)
	assert.True(t, d.sessTimer.localRefresher, "refresher=uac in response: we are UAC")
	assert.NotZero(t, d.sessTimer.timerTok)

	res2 := sip.NewResponseFromRequest(makeIncomingRequest(reqParams{
		method: sip.INVITE, callID: "d-9", fromTag: "remote", cseq: 2, contact: true,
	}), 200, "OK", nil)
	res2.AppendHeader(sip.NewHeader("Min-SE", "60"))
	res2.AppendHeader(sip.NewHeader("Session-Expires", "1800;refresher=uas"))
	d.ProcessSessionTimerHeaders(res2, false)
	assert.Equal(t, 120, d.sessTimer.minInterval, "lower Min-SE ignored")
	assert.False(t, d.sessTimer.localRefresher)

	// отсутствие Session-Expires выключает refresh
	res3 := sip.NewResponseFromRequest(makeIncomingRequest(reqParams{
		method: sip.INVITE, callID: "d-9", fromTag: "remote", cseq: 3, contact: true,
	}), 200, "OK", nil)
	d.ProcessSessionTimerHeaders(res3, false)
	assert.Zero(t, d.sessTimer.interval)
	assert.Zero(t, d.sessTimer.timerTok)
}

func TestSessionTimerRefresherFromRequest(t *testing.T) {
	u, _ := newTestUA(t)
	d := newTestUASDialog(t, u, "d-10")
	d.owner = &stubOwner{}

	req := makeIncomingRequest(reqParams{
		method: sip.INVITE, callID: "d-10", fromTag: "remote", toTag: "local",
		cseq: 40, contact: true,
		headers: []sip.Header{sip.NewHeader("Session-Expires", "1800")},
	})
	d.ProcessSessionTimerHeaders(req, true)
	assert.True(t, d.sessTimer.localRefresher, "omitted refresher in request defaults to us")

	req2 := makeIncomingRequest(reqParams{
		method: sip.INVITE, callID: "d-10", fromTag: "remote", toTag: "local",
		cseq: 41, contact: true,
		headers: []sip.Header{sip.NewHeader("Session-Expires", "1800;refresher=uac")},
	})
	d.ProcessSessionTimerHeaders(req2, true)
	assert.False(t, d.sessTimer.localRefresher)

	d.Terminate()
	assert.Zero(t, u.timers.Active(), "terminate cancels the refresh timer")
}

func TestRegistryTargetDialogLookup(t *testing.T) {
	u, _ := newTestUA(t)
	d := newTestUASDialog(t, u, "d-11")

	// обе ориентации тегов находят диалог
	found := u.dialogs.findTargetDialog(targetDialogValue{
		CallID: "d-11", LocalTag: "remote", RemoteTag: "local",
	})
	assert.Same(t, d, found)
	found = u.dialogs.findTargetDialog(targetDialogValue{
		CallID: "d-11", LocalTag: "local", RemoteTag: "remote",
	})
	assert.Same(t, d, found)

	assert.Nil(t, u.dialogs.findTargetDialog(targetDialogValue{
		CallID: "nope", LocalTag: "a", RemoteTag: "b",
	}))
}

// stubOwner - владелец для тестов диалога.
type stubOwner struct {
	refreshed int
	expired   int
}

func (o *stubOwner) handleRequest(*sip.Request, sip.ServerTransaction) {}
func (o *stubOwner) onSessionRefresh(*Dialog)                          { o.refreshed++ }
func (o *stubOwner) onSessionExpired(*Dialog)                          { o.expired++ }
