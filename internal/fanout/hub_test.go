package fanout

import (
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookdebug/hookdebug/internal/models"
)

func readFrame(t *testing.T, sub *Subscriber) Message {
	t.Helper()
	select {
	case frame := <-sub.Frames():
		var m Message
		require.NoError(t, json.Unmarshal(frame, &m))
		return m
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return Message{}
	}
}

func assertNoFrame(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case frame := <-sub.Frames():
		t.Fatalf("unexpected frame %s", frame)
	default:
	}
}

func TestHub_RoomDelivery(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	owner := models.Anonymous(models.NewSessionToken())
	watcher := NewSubscriber(owner, 8)
	other := NewSubscriber(owner, 8)
	hub.Register(watcher)
	hub.Register(other)
	require.True(t, hub.Join(watcher, "ep_1"))

	req := models.Request{ID: "req_1", EndpointID: "ep_1", Method: "POST", Body: []byte("hi"), Timestamp: time.Now().UTC()}
	hub.Publish(NewRequestEvent(req))

	m := readFrame(t, watcher)
	assert.Equal(t, string(KindNewRequest), m.Type)
	assert.Equal(t, "ep_1", m.EndpointID)
	assertNoFrame(t, other)
}

func TestHub_FeedDeliveryIsOwnerScoped(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	alice := models.AccountOwner("acc_alice")
	mine := NewSubscriber(alice, 8)
	theirs := NewSubscriber(models.AccountOwner("acc_bob"), 8)
	hub.Register(mine)
	hub.Register(theirs)

	hub.Publish(EndpointCreatedEvent(models.Endpoint{ID: "ep_1", Path: "p", Owner: alice}))

	m := readFrame(t, mine)
	assert.Equal(t, string(KindEndpointCreated), m.Type)
	assertNoFrame(t, theirs)
}

func TestHub_EndpointDeletedIsDeduplicated(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	alice := models.AccountOwner("acc_alice")
	sub := NewSubscriber(alice, 8)
	hub.Register(sub)
	require.True(t, hub.Join(sub, "ep_1"))

	hub.Publish(EndpointDeletedEvent(models.Endpoint{ID: "ep_1", Owner: alice}))

	m := readFrame(t, sub)
	assert.Equal(t, string(KindEndpointDeleted), m.Type)
	assertNoFrame(t, sub)
}

func TestHub_LeaveAndUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	sub := NewSubscriber(models.AccountOwner("acc_1"), 8)
	hub.Register(sub)
	require.True(t, hub.Join(sub, "ep_1"))
	require.True(t, hub.Join(sub, "ep_2"))

	hub.Leave(sub, "ep_1")
	hub.Publish(RequestsClearedEvent("ep_1"))
	assertNoFrame(t, sub)

	hub.Unregister(sub)
	hub.Unregister(sub)
	subs, rooms := hub.Stats()
	assert.Zero(t, subs)
	assert.Zero(t, rooms)

	select {
	case <-sub.Done():
	default:
		t.Fatal("unregistered subscriber must be closed")
	}
	assert.False(t, hub.Join(sub, "ep_2"))
}

func TestHub_SlowSubscriberIsDisconnected(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := NewSubscriber(models.AccountOwner("acc_1"), 2)
	fast := NewSubscriber(models.AccountOwner("acc_2"), 16)
	hub.Register(slow)
	hub.Register(fast)
	require.True(t, hub.Join(slow, "ep_1"))
	require.True(t, hub.Join(fast, "ep_1"))

	for i := 0; i < 5; i++ {
		hub.Publish(RequestDeletedEvent("ep_1", "req"))
	}

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow subscriber should have been dropped")
	}
	assert.Len(t, fast.Frames(), 5)
	subs, _ := hub.Stats()
	assert.Equal(t, 1, subs)
}

func TestHub_OrderedPreservesCommitOrder(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	sub := NewSubscriber(models.AccountOwner("acc_1"), 512)
	hub.Register(sub)
	require.True(t, hub.Join(sub, "ep_1"))

	var (
		mu        sync.Mutex
		committed []string
		wg        sync.WaitGroup
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := models.NewID("req")
			_ = hub.Ordered("ep_1", func() error {
				mu.Lock()
				committed = append(committed, id)
				mu.Unlock()
				hub.Publish(RequestDeletedEvent("ep_1", id))
				return nil
			})
		}()
	}
	wg.Wait()

	for _, want := range committed {
		m := readFrame(t, sub)
		data, ok := m.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, want, data["id"])
	}
}
