package sipvoice

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// mockServerTransaction запоминает отправленные ответы
type mockServerTransaction struct {
	req *sip.Request

	mu        sync.Mutex
	responses []*sip.Response
}

func (m *mockServerTransaction) Request() *sip.Request { return m.req }

func (m *mockServerTransaction) Respond(res *sip.Response) error {
	m.mu.Lock()
	m.responses = append(m.responses, res)
	m.mu.Unlock()
	return nil
}

func (m *mockServerTransaction) codes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.responses))
	for _, r := range m.responses {
		out = append(out, int(r.StatusCode))
	}
	return out
}

func (m *mockServerTransaction) last() *sip.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return nil
	}
	return m.responses[len(m.responses)-1]
}

func (m *mockServerTransaction) Ack(*sip.Request) error { return nil }
func (m *mockServerTransaction) Cancel() error { return nil }
func (m *mockServerTransaction) Close() error { return nil }
func (m *mockServerTransaction) Done() <-chan struct{} { return make(chan struct{}) }
func (m *mockServerTransaction) Terminate() {}
func (m *mockServerTransaction) OnTerminate(sip.FnTxTerminate) bool { return false }
func (m *mockServerTransaction) OnClose(sip.FnTxTerminate) bool { return false }
func (m *mockServerTransaction) Acks() <-chan *sip.Request { return nil }
func (m *mockServerTransaction) Err() error { return nil }
func (m *mockServerTransaction) OnCancel(sip.FnTxCancel) bool { return false }

// mockClientTransaction отдает заранее заданные ответы
type mockClientTransaction struct {
	responses chan *sip.Response
	done      chan struct{}
	err       error
}

func newMockClientTransaction(res ...*sip.Response) *mockClientTransaction {
	m := &mockClientTransaction{
		responses: make(chan *sip.Response, len(res)),
		done:      make(chan struct{}),
	}
	for _, r := range res {
		m.responses <- r
	}
	return m
}

func (m *mockClientTransaction) Responses() <-chan *sip.Response { return m.responses }
func (m *mockClientTransaction) Err() error { return m.err }
func (m *mockClientTransaction) Ack(*sip.Request) error { return nil }
func (m *mockClientTransaction) Cancel() error { return nil }
func (m *mockClientTransaction) Close() error { return nil }
func (m *mockClientTransaction) Done() <-chan struct{} { return m.done }
func (m *mockClientTransaction) OnTerminate(sip.FnTxTerminate) bool { return false }
func (m *mockClientTransaction) Request() *sip.Request { return nil }
func (m *mockClientTransaction) Terminate() {}
func (m *mockClientTransaction) OnRetransmission(sip.FnTxResponse) bool { return false }
