package ua

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// fakeServerTx записывает ответы вместо отправки в сеть.
type fakeServerTx struct {
	mu        sync.Mutex
	req       *sip.Request
	responses []*sip.Response
	done      chan struct{}
}

func newFakeServerTx(req *sip.Request) *fakeServerTx {
	return &fakeServerTx{req: req, done: make(chan struct{})}
}

func (m *fakeServerTx) Request() *sip.Request { return m.req }

func (m *fakeServerTx) Respond(res *sip.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, res)
	return nil
}

func (m *fakeServerTx) Ack(req *sip.Request) error           { return nil }
func (m *fakeServerTx) Cancel() error                        { return nil }
func (m *fakeServerTx) Close() error                         { return nil }
func (m *fakeServerTx) Done() <-chan struct{}                { return m.done }
func (m *fakeServerTx) Terminate()                           {}
func (m *fakeServerTx) OnTerminate(f sip.FnTxTerminate) bool { return false }
func (m *fakeServerTx) OnClose(f sip.FnTxTerminate) bool     { return false }
func (m *fakeServerTx) Acks() <-chan *sip.Request            { return nil }
func (m *fakeServerTx) Err() error                           { return nil }
func (m *fakeServerTx) OnCancel(f sip.FnTxCancel) bool       { return false }

func (m *fakeServerTx) sentResponses() []*sip.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*sip.Response(nil), m.responses...)
}

func (m *fakeServerTx) lastResponse() *sip.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return nil
	}
	return m.responses[len(m.responses)-1]
}

func (m *fakeServerTx) responseCount(status int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.responses {
		if r.StatusCode == status {
			n++
		}
	}
	return n
}

// fakeClientTx позволяет тесту подыгрывать за удалённую сторону.
type fakeClientTx struct {
	req       *sip.Request
	responses chan *sip.Response
	done      chan struct{}
	err       error
}

func newFakeClientTx(req *sip.Request) *fakeClientTx {
	return &fakeClientTx{
		req:       req,
		responses: make(chan *sip.Response, 8),
		done:      make(chan struct{}),
	}
}

func (m *fakeClientTx) Responses() <-chan *sip.Response          { return m.responses }
func (m *fakeClientTx) Err() error                               { return m.err }
func (m *fakeClientTx) Ack(req *sip.Request) error               { return nil }
func (m *fakeClientTx) Cancel() error                            { return nil }
func (m *fakeClientTx) Close() error                             { return nil }
func (m *fakeClientTx) Done() <-chan struct{}                    { return m.done }
func (m *fakeClientTx) OnTerminate(f sip.FnTxTerminate) bool     { return false }
func (m *fakeClientTx) Request() *sip.Request                    { return m.req }
func (m *fakeClientTx) Terminate()                               {}
func (m *fakeClientTx) OnRetransmission(f sip.FnTxResponse) bool { return false }

// respond подыгрывает ответом удалённой стороны.
func (m *fakeClientTx) respond(status int, tweak func(*sip.Response)) {
	res := sip.NewResponseFromRequest(m.req, status, defaultReason(status), nil)
	if tweak != nil {
		tweak(res)
	}
	m.responses <- res
}

// fakeTransport подменяет клиентскую сторону sipgo.
type fakeTransport struct {
	mu      sync.Mutex
	txs     []*fakeClientTx
	written []*sip.Request // ACK и прочее вне транзакций
}

func (f *fakeTransport) TransactionRequest(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (sip.ClientTransaction, error) {
	tx := newFakeClientTx(req)
	f.mu.Lock()
	f.txs = append(f.txs, tx)
	f.mu.Unlock()
	return tx, nil
}

func (f *fakeTransport) WriteRequest(req *sip.Request, opts ...sipgo.ClientRequestOption) error {
	f.mu.Lock()
	f.written = append(f.written, req)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) txCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.txs)
}

func (f *fakeTransport) tx(i int) *fakeClientTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs[i]
}

// txsByMethod возвращает транзакции с указанным методом.
func (f *fakeTransport) txsByMethod(method sip.RequestMethod) []*fakeClientTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeClientTx
	for _, tx := range f.txs {
		if tx.req.Method == method {
			out = append(out, tx)
		}
	}
	return out
}

// writtenByMethod возвращает запросы, ушедшие мимо транзакций (ACK).
func (f *fakeTransport) writtenByMethod(method sip.RequestMethod) []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*sip.Request
	for _, req := range f.written {
		if req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

// --- конструкторы тестовых сущностей ---

func newTestUA(t *testing.T) (*UserAgent, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	u, err := newCoreUserAgent(UserAgentConfig{
		URI:            "sip:alice@test.local",
		SessionExpires: 1800,
	}, ft)
	require.NoError(t, err)
	t.Cleanup(u.timers.Shutdown)
	return u, ft
}

var (
	testRemoteURI = sip.Uri{Scheme: "sip", User: "bob", Host: "10.0.0.2", Port: 5060}
	testLocalURI  = sip.Uri{Scheme: "sip", User: "alice", Host: "test.local"}
)

type reqParams struct {
	method  sip.RequestMethod
	callID  string
	fromTag string
	toTag   string
	cseq    uint32
	branch  string
	contact bool
	body    []byte
	ctype   string
	headers []sip.Header
}

// makeIncomingRequest собирает запрос так, как он пришёл бы от пира:
// From - удалённая сторона, To - мы.
func makeIncomingRequest(p reqParams) *sip.Request {
	req := sip.NewRequest(p.method, testLocalURI)
	branch := p.branch
	if branch == "" {
		branch = "z9hG4bK-" + p.callID
	}
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            testRemoteURI.Host,
		Port:            testRemoteURI.Port,
		Params:          sip.NewParams().Add("branch", branch),
	}
	req.AppendHeader(via)
	req.AppendHeader(&sip.FromHeader{
		Address: testRemoteURI,
		Params:  sip.HeaderParams{"tag": p.fromTag},
	})
	to := &sip.ToHeader{Address: testLocalURI, Params: sip.HeaderParams{}}
	if p.toTag != "" {
		to.Params["tag"] = p.toTag
	}
	req.AppendHeader(to)
	callID := sip.CallIDHeader(p.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: p.cseq, MethodName: p.method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	if p.contact {
		req.AppendHeader(sip.NewHeader("Contact", "<sip:bob@10.0.0.2:5060>"))
	}
	if len(p.body) > 0 {
		req.SetBody(p.body)
		ct := p.ctype
		if ct == "" {
			ct = "application/sdp"
		}
		req.AppendHeader(sip.NewHeader("Content-Type", ct))
	}
	for _, h := range p.headers {
		req.AppendHeader(h)
	}
	return req
}

var testSDP = []byte("v=0\r\n" +
	"o=- 123 123 IN IP4 10.0.0.2\r\n" +
	"s=call\r\n" +
	"c=IN IP4 10.0.0.2\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n")

// confirmOutgoing гонит исходящую сессию до Confirmed и возвращает её
// вместе с INVITE транзакцией.
func confirmOutgoing(t *testing.T, u *UserAgent, ft *fakeTransport, toTag string) (*Session, *fakeClientTx) {
	t.Helper()
	s, err := u.Call(context.Background(), testRemoteURI, CallOptions{})
	require.NoError(t, err)

	inviteTx := ft.tx(0)
	inviteTx.respond(200, func(res *sip.Response) {
		res.To().Params["tag"] = toTag
		res.AppendHeader(sip.NewHeader("Contact", "<sip:bob@10.0.0.2:5060>"))
		res.SetBody(testSDP)
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	})
	require.Eventually(t, func() bool {
		return s.State() == SessionConfirmed
	}, waitFor, tick, "session should confirm")
	return s, inviteTx
}
