package events

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalAppendReadAndFilters(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	j := NewJournal("")

	base := time.Now().Add(-2 * time.Hour).UTC()
	seed := []Event{
		{Timestamp: base, TunnelID: "a", Name: "api", Type: ConnectRequested},
		{Timestamp: base.Add(10 * time.Minute), TunnelID: "a", Name: "api", Type: ConnectSucceeded},
		{Timestamp: base.Add(20 * time.Minute), TunnelID: "b", Name: "db", Type: ConnectFailed},
	}
	for _, evt := range seed {
		require.NoError(t, j.Append(evt))
	}

	all, err := j.Read(Query{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byName, err := j.Read(Query{Name: "api"})
	require.NoError(t, err)
	assert.Len(t, byName, 2)

	byType, err := j.Read(Query{Type: ConnectFailed})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "b", byType[0].TunnelID)

	limited, err := j.Read(Query{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "b", limited[0].TunnelID)

	since, err := j.Read(Query{Since: base.Add(15 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "b", since[0].TunnelID)
}

func TestJournalMissingFile(t *testing.T) {
	j := NewJournal(filepath.Join(t.TempDir(), "none.jsonl"))
	got, err := j.Read(Query{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBusDeliversAndUnsubscribes(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(Event{Type: ConnectSucceeded, TunnelID: "x"})
	for _, s := range []*Subscription{a, b} {
		select {
		case evt := <-s.C():
			assert.Equal(t, ConnectSucceeded, evt.Type)
			assert.False(t, evt.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	a.Unsubscribe()
	a.Unsubscribe()
	_, open := <-a.C()
	assert.False(t, open)

	bus.Publish(Event{Type: Disconnected})
	evt := <-b.C()
	assert.Equal(t, Disconnected, evt.Type)
}

func TestBusPublishDoesNotBlock(t *testing.T) {
	bus := NewBus()
	s := bus.Subscribe()
	defer s.Unsubscribe()
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriptionBuffer*2; i++ {
			bus.Publish(Event{Type: ConfigChanged})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
