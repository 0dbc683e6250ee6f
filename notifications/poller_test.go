package notifications

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-course-chat/config"
	"github.com/tcriess/lightspeed-course-chat/types"
	"github.com/tcriess/lightspeed-course-chat/ws"
)

type fakeTransport struct {
	subs      *ws.Subscriptions
	connected bool
	emitted   []types.GetNotificationsPayload

	sync.Mutex
}

func (f *fakeTransport) Emit(event string, payload interface{}) error {
	f.Lock()
	defer f.Unlock()
	if event == types.EventGetNotifications {
		f.emitted = append(f.emitted, payload.(types.GetNotificationsPayload))
	}
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.Lock()
	defer f.Unlock()
	return f.connected
}

func (f *fakeTransport) NewScope() *ws.Scope {
	return f.subs.NewScope()
}

func (f *fakeTransport) requests() int {
	f.Lock()
	defer f.Unlock()
	return len(f.emitted)
}

func TestFetchAndFeed(t *testing.T) {
	transport := &fakeTransport{subs: ws.NewSubscriptions(), connected: true}
	var got []types.NotificationsPayload
	p := NewPoller(transport, config.NotificationsConfig{}, func(n types.NotificationsPayload) { got = append(got, n) })
	require.NoError(t, p.Start())
	require.NoError(t, p.Start())
	assert.Equal(t, 1, transport.subs.Count(types.EventNotifications))

	require.NoError(t, p.Fetch(0))
	assert.Equal(t, []types.GetNotificationsPayload{{Page: 1, Limit: defaultLimit}}, transport.emitted)

	raw, _ := json.Marshal(types.NotificationsPayload{Success: true, Page: 1, TotalPages: 2, Data: []map[string]interface{}{{"title": "new lesson"}}})
	transport.subs.Dispatch(types.EventNotifications, raw)
	failed, _ := json.Marshal(types.NotificationsPayload{Success: false})
	transport.subs.Dispatch(types.EventNotifications, failed)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].TotalPages)
	assert.Equal(t, "new lesson", got[0].Data[0]["title"])

	p.Stop()
	assert.Equal(t, 0, transport.subs.Count(types.EventNotifications))
}

func TestCronPolling(t *testing.T) {
	transport := &fakeTransport{subs: ws.NewSubscriptions()}
	p := NewPoller(transport, config.NotificationsConfig{CronSpec: "@every 1s", Limit: 5}, nil)
	require.NoError(t, p.Start())
	defer p.Stop()

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, 0, transport.requests(), "no requests while disconnected")

	transport.Lock()
	transport.connected = true
	transport.Unlock()
	assert.Eventually(t, func() bool { return transport.requests() > 0 }, 3*time.Second, 50*time.Millisecond)
	transport.Lock()
	assert.Equal(t, 5, transport.emitted[0].Limit)
	transport.Unlock()
}

func TestInvalidCronSpec(t *testing.T) {
	transport := &fakeTransport{subs: ws.NewSubscriptions()}
	p := NewPoller(transport, config.NotificationsConfig{CronSpec: "not a spec"}, nil)
	assert.Error(t, p.Start())
	assert.Equal(t, 0, transport.subs.Count(types.EventNotifications))
}
