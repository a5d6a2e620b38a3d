package cachebus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	received := make(chan Event, 1)
	b.Subscribe(func(ev Event) { received <- ev })

	b.Publish(Event{MountID: "m1", Paths: []string{"/a.txt"}, Reason: ReasonUpload})

	select {
	case ev := <-received:
		require.Equal(t, "m1", ev.MountID)
		require.Equal(t, ReasonUpload, ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	b := New()
	b.Close()

	received := make(chan Event, 1)
	b.Subscribe(func(ev Event) { received <- ev })
	b.Publish(Event{MountID: "m1"})

	select {
	case <-received:
		t.Fatal("closed bus delivered an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := New()
	defer b.Close()

	var n int
	done := make(chan struct{}, 2)
	b.Subscribe(func(Event) { n++; done <- struct{}{} })
	b.Subscribe(func(Event) { n++; done <- struct{}{} })

	b.Publish(Event{MountID: "m1"})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for subscribers")
		}
	}
	require.Equal(t, 2, n)
}
