package eventbus

import (
	"sync"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishInvokesAllSubscribers(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var got []int

	for i := range 3 {
		i := i
		b.Subscribe(TopicFileChanged, func(event any) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, i)
			_ = event
		})
	}

	b.Publish(TopicFileChanged, "x")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 invocations, got %d", len(got))
	}
}

func TestUnsubscribeIsIdempotentAndRemoves(t *testing.T) {
	b := New()
	calls := 0
	unsub := b.Subscribe(TopicPeerDiscovered, func(any) { calls++ })

	unsub()
	unsub() // must not panic or double-remove something else

	b.Publish(TopicPeerDiscovered, nil)
	if calls != 0 {
		t.Fatalf("expected 0 calls after unsubscribe, got %d", calls)
	}
	if n := b.SubscriberCount(TopicPeerDiscovered); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
}

func TestHandlerMaySubscribeDuringPublish(t *testing.T) {
	b := New()
	nested := false

	b.Subscribe(TopicConnected, func(any) {
		b.Subscribe(TopicConnected, func(any) { nested = true })
	})

	b.Publish(TopicConnected, nil)
	b.Publish(TopicConnected, nil)

	if !nested {
		t.Fatal("expected nested subscription to have fired on second publish")
	}
}
