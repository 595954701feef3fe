package ua

import (
	"context"
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attachReferRecorder(r *Refer) *eventRecorder {
	rec := &eventRecorder{}
	rec.attach(r, EventAccepted, EventNotify, EventFailed)
	return rec
}

func makeNotify(callID, fromTag, toTag string, cseq uint32, sipfrag, subState string) *sip.Request {
	return makeIncomingRequest(reqParams{
		method: sip.NOTIFY, callID: callID, fromTag: fromTag, toTag: toTag,
		cseq: cseq, contact: true,
		body: []byte(sipfrag), ctype: "message/sipfrag",
		headers: []sip.Header{
			sip.NewHeader("Event", "refer"),
			sip.NewHeader("Subscription-State", subState),
		},
	})
}

func TestOutgoingReferNotifyFlow(t *testing.T) {
	u, ft := newTestUA(t)

	r, err := u.SendRefer(context.Background(), testRemoteURI,
		sip.Uri{Scheme: "sip", User: "carol", Host: "10.0.0.3"}, ReferOptions{})
	require.NoError(t, err)
	rec := attachReferRecorder(r)

	referTx := ft.txsByMethod(sip.REFER)[0]
	assert.Contains(t, headerValue(referTx.req, "Refer-To"), "sip:carol@10.0.0.3")

	referTx.respond(202, func(res *sip.Response) {
		res.To().Params["tag"] = "peer-tag"
	})
	require.Eventually(t, func() bool {
		return rec.count(EventAccepted) == 1
	}, waitFor, tick)

	// первый NOTIFY формирует диалог подписки
	n1 := makeNotify(r.callID, "peer-tag", r.localTag, 1,
		"SIP/2.0 100 Trying\r\n", "active;expires=180")
	stx1 := newFakeServerTx(n1)
	u.onNotify(n1, stx1)

	require.Equal(t, 200, stx1.lastResponse().StatusCode)
	require.Equal(t, 1, rec.count(EventNotify))
	ev1 := rec.last(EventNotify).(NotifyEvent)
	assert.Equal(t, "progress", ev1.SessionEvent)
	assert.False(t, ev1.FinalNotify)
	assert.Equal(t, ReferActive, r.State())

	// второй NOTIFY приходит уже внутри диалога и закрывает подписку
	n2 := makeNotify(r.callID, "peer-tag", r.localTag, 2,
		"SIP/2.0 200 OK\r\n", "terminated;reason=noresource")
	stx2 := newFakeServerTx(n2)
	u.onNotify(n2, stx2)

	require.Equal(t, 200, stx2.lastResponse().StatusCode)
	require.Equal(t, 2, rec.count(EventNotify))
	ev2 := rec.last(EventNotify).(NotifyEvent)
	assert.Equal(t, "started", ev2.SessionEvent)
	assert.True(t, ev2.FinalNotify)
	assert.Equal(t, 200, ev2.Status.Code)

	assert.Equal(t, ReferTerminated, r.State())
	assert.Equal(t, 1, rec.count(EventAccepted))
	assert.Zero(t, rec.count(EventFailed))
}

func TestOutgoingReferRejected(t *testing.T) {
	u, ft := newTestUA(t)

	r, err := u.SendRefer(context.Background(), testRemoteURI,
		sip.Uri{Scheme: "sip", User: "carol", Host: "10.0.0.3"}, ReferOptions{})
	require.NoError(t, err)
	rec := attachReferRecorder(r)

	ft.txsByMethod(sip.REFER)[0].respond(403, nil)
	require.Eventually(t, func() bool {
		return rec.count(EventFailed) == 1
	}, waitFor, tick)
	assert.Equal(t, CauseRejected, rec.last(EventFailed).(FailedEvent).Cause)
	assert.Equal(t, ReferTerminated, r.State())
	assert.Zero(t, rec.count(EventAccepted))
}

func TestOutgoingReferNoNotifyListeners(t *testing.T) {
	u, ft := newTestUA(t)

	r, err := u.SendRefer(context.Background(), testRemoteURI,
		sip.Uri{Scheme: "sip", User: "carol", Host: "10.0.0.3"}, ReferOptions{})
	require.NoError(t, err)

	ft.txsByMethod(sip.REFER)[0].respond(202, nil)

	n := makeNotify(r.callID, "peer-tag", r.localTag, 1,
		"SIP/2.0 100 Trying\r\n", "active;expires=180")
	stx := newFakeServerTx(n)
	u.onNotify(n, stx)

	assert.Equal(t, 603, stx.lastResponse().StatusCode, "no notify listeners: decline")
	assert.Equal(t, ReferTerminated, r.State())
}

func TestOutgoingReferInvalidTargets(t *testing.T) {
	u, _ := newTestUA(t)

	_, err := u.SendRefer(context.Background(), sip.Uri{},
		sip.Uri{Scheme: "sip", User: "carol", Host: "10.0.0.3"}, ReferOptions{})
	var argErr *InvalidArgError
	require.ErrorAs(t, err, &argErr)

	_, err = u.SendRefer(context.Background(), testRemoteURI,
		sip.Uri{Scheme: "mailto", Host: "x"}, ReferOptions{})
	require.ErrorAs(t, err, &argErr)
}

func TestOutgoingReferTargetDialogHeader(t *testing.T) {
	u, ft := newTestUA(t)
	s, _ := confirmOutgoing(t, u, ft, "t1")

	_, err := u.SendRefer(context.Background(), testRemoteURI,
		sip.Uri{Scheme: "sip", User: "carol", Host: "10.0.0.3"},
		ReferOptions{TargetSession: s})
	require.NoError(t, err)

	req := ft.txsByMethod(sip.REFER)[0].req
	td := headerValue(req, "Target-Dialog")
	id := s.Dialog().ID()
	assert.Contains(t, td, id.CallID)
	assert.Contains(t, td, "local-tag="+id.LocalTag)
	assert.Contains(t, td, "remote-tag="+id.RemoteTag)
	assert.Equal(t, "tdialog", headerValue(req, "Require"))
}

func TestOutgoingReferCloseSynthesizesFinalNotify(t *testing.T) {
	u, ft := newTestUA(t)

	r, err := u.SendRefer(context.Background(), testRemoteURI,
		sip.Uri{Scheme: "sip", User: "carol", Host: "10.0.0.3"}, ReferOptions{})
	require.NoError(t, err)
	rec := attachReferRecorder(r)

	ft.txsByMethod(sip.REFER)[0].respond(202, nil)

	n := makeNotify(r.callID, "peer-tag", r.localTag, 1,
		"SIP/2.0 180 Ringing\r\n", "active;expires=180")
	u.onNotify(n, newFakeServerTx(n))
	require.Equal(t, 1, rec.count(EventNotify))

	r.Close()

	require.Equal(t, 2, rec.count(EventNotify))
	final := rec.last(EventNotify).(NotifyEvent)
	assert.True(t, final.FinalNotify)
	assert.Equal(t, OriginatorSystem, final.Originator)
	assert.Equal(t, 180, final.Status.Code, "synthesized from last cached notify")
	assert.Equal(t, ReferTerminated, r.State())

	// Terminated поглощающее
	r.Close()
	assert.Equal(t, 2, rec.count(EventNotify))
}

func newIncomingReferForTest(t *testing.T, u *UserAgent, ft *fakeTransport, callID string) (*Refer, *fakeServerTx) {
	t.Helper()
	var r *Refer
	u.On(EventNewRefer, func(ev Event) {
		r = ev.(NewReferEvent).Refer
	})
	req := makeIncomingRequest(reqParams{
		method: sip.REFER, callID: callID, fromTag: "ref-remote",
		cseq: 1, contact: true,
		headers: []sip.Header{sip.NewHeader("Refer-To", "<sip:carol@10.0.0.3>")},
	})
	stx := newFakeServerTx(req)
	u.onRefer(req, stx)
	require.NotNil(t, r)
	return r, stx
}

func TestIncomingReferAcceptsAndNotifies(t *testing.T) {
	u, ft := newTestUA(t)
	r, stx := newIncomingReferForTest(t, u, ft, "refer-in-1")

	require.Equal(t, 202, stx.lastResponse().StatusCode)
	assert.Equal(t, ReferActive, r.State())
	assert.Equal(t, "carol", r.ReferTo().User)

	// начальный NOTIFY: 100 Trying, active
	notifies := ft.txsByMethod(sip.NOTIFY)
	require.Len(t, notifies, 1)
	n := notifies[0].req
	assert.Equal(t, "refer", headerValue(n, "Event"))
	assert.Contains(t, headerValue(n, "Subscription-State"), "active;expires=")
	assert.Equal(t, "message/sipfrag", headerValue(n, "Content-Type"))
	assert.Contains(t, string(n.Body()), "SIP/2.0 100 Trying")

	// прикладной NOTIFY о прогрессе
	require.NoError(t, r.Notify(NotifyOptions{StatusCode: 180}))
	notifies = ft.txsByMethod(sip.NOTIFY)
	require.Len(t, notifies, 2)
	assert.Contains(t, string(notifies[1].req.Body()), "SIP/2.0 180 Ringing")

	// финальный NOTIFY закрывает подписку
	require.NoError(t, r.Notify(NotifyOptions{StatusCode: 200, FinalNotify: true}))
	notifies = ft.txsByMethod(sip.NOTIFY)
	require.Len(t, notifies, 3)
	assert.Contains(t, headerValue(notifies[2].req, "Subscription-State"), "terminated;reason=noresource")
	assert.Equal(t, ReferTerminated, r.State())

	// после завершения NOTIFY игнорируется
	require.NoError(t, r.Notify(NotifyOptions{StatusCode: 486}))
	assert.Len(t, ft.txsByMethod(sip.NOTIFY), 3)
}

func TestIncomingReferCallBridgesNotifications(t *testing.T) {
	u, ft := newTestUA(t)
	r, _ := newIncomingReferForTest(t, u, ft, "refer-in-2")

	sess, err := r.Call(context.Background(), CallOptions{})
	require.NoError(t, err)
	require.Equal(t, "carol", sess.inviteReq.Recipient.User)

	inviteTx := ft.txsByMethod(sip.INVITE)[0]

	inviteTx.respond(180, func(res *sip.Response) {
		res.To().Params["tag"] = "ct"
		res.AppendHeader(sip.NewHeader("Contact", "<sip:carol@10.0.0.3:5060>"))
	})
	require.Eventually(t, func() bool {
		return len(ft.txsByMethod(sip.NOTIFY)) == 2 // начальный + progress
	}, waitFor, tick)
	assert.Contains(t, string(ft.txsByMethod(sip.NOTIFY)[1].req.Body()), "180")

	inviteTx.respond(200, func(res *sip.Response) {
		res.To().Params["tag"] = "ct"
		res.AppendHeader(sip.NewHeader("Contact", "<sip:carol@10.0.0.3:5060>"))
		res.SetBody(testSDP)
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	})
	require.Eventually(t, func() bool {
		return r.State() == ReferTerminated
	}, waitFor, tick, "started closes the subscription")

	notifies := ft.txsByMethod(sip.NOTIFY)
	final := notifies[len(notifies)-1].req
	assert.Contains(t, string(final.Body()), "SIP/2.0 200 OK")
	assert.Contains(t, headerValue(final, "Subscription-State"), "terminated")
}

func TestIncomingReferSubscribeHandling(t *testing.T) {
	u, ft := newTestUA(t)
	r, _ := newIncomingReferForTest(t, u, ft, "refer-in-3")

	// положительный Expires продлевает подписку
	sub := makeIncomingRequest(reqParams{
		method: sip.SUBSCRIBE, callID: r.callID, fromTag: "ref-remote", toTag: r.localTag,
		cseq: 2, headers: []sip.Header{
			sip.NewHeader("Event", "refer"),
			sip.NewHeader("Expires", "600"),
		},
	})
	stx := newFakeServerTx(sub)
	u.onSubscribe(sub, stx)
	require.Equal(t, 200, stx.lastResponse().StatusCode)
	assert.Equal(t, "600", headerValue(stx.lastResponse(), "Expires"))
	assert.Equal(t, ReferActive, r.State())

	// Expires: 0 - терминирующий NOTIFY и закрытие
	unsub := makeIncomingRequest(reqParams{
		method: sip.SUBSCRIBE, callID: r.callID, fromTag: "ref-remote", toTag: r.localTag,
		cseq: 3, headers: []sip.Header{
			sip.NewHeader("Event", "refer"),
			sip.NewHeader("Expires", "0"),
		},
	})
	stx2 := newFakeServerTx(unsub)
	u.onSubscribe(unsub, stx2)
	require.Equal(t, 200, stx2.lastResponse().StatusCode)

	notifies := ft.txsByMethod(sip.NOTIFY)
	final := notifies[len(notifies)-1].req
	assert.Contains(t, headerValue(final, "Subscription-State"), "terminated")
	assert.Equal(t, ReferTerminated, r.State())
}

func TestIncomingReferRequiresSingleReferTo(t *testing.T) {
	u, _ := newTestUA(t)

	req := makeIncomingRequest(reqParams{
		method: sip.REFER, callID: "refer-bad", fromTag: "x", cseq: 1, contact: true,
	})
	stx := newFakeServerTx(req)
	u.onRefer(req, stx)
	assert.Equal(t, 400, stx.lastResponse().StatusCode, "REFER without Refer-To")

	req2 := makeIncomingRequest(reqParams{
		method: sip.REFER, callID: "refer-bad2", fromTag: "x", cseq: 1, contact: true,
		headers: []sip.Header{
			sip.NewHeader("Refer-To", "<sip:a@b>"),
			sip.NewHeader("Refer-To", "<sip:c@d>"),
		},
	})
	stx2 := newFakeServerTx(req2)
	u.onRefer(req2, stx2)
	assert.Equal(t, 400, stx2.lastResponse().StatusCode, "two Refer-To headers")
}

func TestIncomingReferUnknownTargetDialog(t *testing.T) {
	u, _ := newTestUA(t)

	req := makeIncomingRequest(reqParams{
		method: sip.REFER, callID: "refer-td", fromTag: "x", cseq: 1, contact: true,
		headers: []sip.Header{
			sip.NewHeader("Refer-To", "<sip:carol@10.0.0.3>"),
			sip.NewHeader("Target-Dialog", "nope;local-tag=a;remote-tag=b"),
		},
	})
	stx := newFakeServerTx(req)
	u.onRefer(req, stx)
	assert.Equal(t, 481, stx.lastResponse().StatusCode)
}

func TestInDialogReferUsesSessionDialog(t *testing.T) {
	u, ft := newTestUA(t)
	s, _ := confirmOutgoing(t, u, ft, "t1")

	var r *Refer
	u.On(EventNewRefer, func(ev Event) {
		r = ev.(NewReferEvent).Refer
	})

	localTag := s.Dialog().ID().LocalTag
	req := makeIncomingRequest(reqParams{
		method: sip.REFER, callID: s.callID, fromTag: "t1", toTag: localTag,
		cseq: 77, contact: true,
		headers: []sip.Header{sip.NewHeader("Refer-To", "<sip:carol@10.0.0.3>")},
	})
	stx := newFakeServerTx(req)
	u.onRefer(req, stx)

	require.NotNil(t, r)
	require.Equal(t, 202, stx.lastResponse().StatusCode)
	assert.True(t, r.inDialog)
	assert.Equal(t, "77", r.eventID)

	// NOTIFY уходит на диалоге сессии с id в Event
	notifies := ft.txsByMethod(sip.NOTIFY)
	require.NotEmpty(t, notifies)
	n := notifies[0].req
	assert.Equal(t, "refer;id=77", headerValue(n, "Event"))
	toTag, _ := n.To().Params.Get("tag")
	assert.Equal(t, "t1", toTag, "NOTIFY rides the session dialog")

	// закрытие подписки не трогает диалог сессии
	r.Close()
	assert.Equal(t, ReferTerminated, r.State())
	assert.Equal(t, DialogConfirmed, s.Dialog().State())
	assert.Equal(t, SessionConfirmed, s.State())
}

func TestSessionReferOutgoingInDialog(t *testing.T) {
	u, ft := newTestUA(t)
	s, _ := confirmOutgoing(t, u, ft, "t1")

	r, err := s.Refer(context.Background(), sip.Uri{Scheme: "sip", User: "carol", Host: "10.0.0.3"}, ReferOptions{})
	require.NoError(t, err)
	rec := attachReferRecorder(r)

	refers := ft.txsByMethod(sip.REFER)
	require.Len(t, refers, 1)
	req := refers[0].req
	toTag, _ := req.To().Params.Get("tag")
	assert.Equal(t, "t1", toTag, "REFER rides the session dialog")
	assert.True(t, r.inDialog)
	assert.Equal(t, strings.TrimSpace(r.eventID), r.eventID)

	refers[0].respond(202, nil)
	require.Eventually(t, func() bool {
		return rec.count(EventAccepted) == 1
	}, waitFor, tick)

	// NOTIFY с id= приходит на диалоге сессии и доходит до подписки
	r.On(EventNotify, func(Event) {})
	n := makeIncomingRequest(reqParams{
		method: sip.NOTIFY, callID: s.callID, fromTag: "t1", toTag: s.Dialog().ID().LocalTag,
		cseq: 300, contact: true,
		body: []byte("SIP/2.0 200 OK\r\n"), ctype: "message/sipfrag",
		headers: []sip.Header{
			sip.NewHeader("Event", "refer;id="+r.eventID),
			sip.NewHeader("Subscription-State", "terminated;reason=noresource"),
		},
	})
	stx := newFakeServerTx(n)
	u.onNotify(n, stx)

	require.Equal(t, 200, stx.lastResponse().StatusCode)
	require.Equal(t, 1, rec.count(EventNotify))
	assert.True(t, rec.last(EventNotify).(NotifyEvent).FinalNotify)
	assert.Equal(t, ReferTerminated, r.State())
	assert.Equal(t, SessionConfirmed, s.State())
}

func TestReferReplaceBuildsReplacesHeader(t *testing.T) {
	u, ft := newTestUA(t)
	s1, _ := confirmOutgoing(t, u, ft, "t1")

	s2, err := u.Call(context.Background(), testRemoteURI, CallOptions{})
	require.NoError(t, err)
	ft.txsByMethod(sip.INVITE)[1].respond(200, func(res *sip.Response) {
		res.To().Params["tag"] = "t2"
		res.AppendHeader(sip.NewHeader("Contact", "<sip:bob2@10.0.0.3:5060>"))
	})
	require.Eventually(t, func() bool {
		return s2.State() == SessionConfirmed
	}, waitFor, tick)

	_, err = s1.ReferReplace(context.Background(), s2, ReferOptions{})
	require.NoError(t, err)

	req := ft.txsByMethod(sip.REFER)[0].req
	referTo := headerValue(req, "Refer-To")
	id := s2.Dialog().ID()
	assert.Contains(t, referTo, "?Replaces=")
	assert.Contains(t, referTo, id.CallID)
	assert.Contains(t, referTo, "from-tag="+id.RemoteTag)
	assert.Contains(t, referTo, "to-tag="+id.LocalTag)
}
