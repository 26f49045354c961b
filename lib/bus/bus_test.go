package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()

	var got []Event
	id, cancel := b.Subscribe(TopicKeyAvailable, func(e Event) { got = append(got, e) })
	assert.NotEmpty(t, id.String())

	var all []string
	b.Subscribe(TopicAll, func(e Event) { all = append(all, e.Topic) })

	assert.Equal(t, 2, b.Publish(TopicKeyAvailable, "room-1"))
	assert.Equal(t, 1, b.Publish(TopicLogApplied, nil))

	require.Len(t, got, 1)
	assert.Equal(t, "room-1", got[0].Payload)
	assert.False(t, got[0].Time.IsZero())
	assert.Equal(t, []string{TopicKeyAvailable, TopicLogApplied}, all)

	cancel()
	assert.Equal(t, 0, b.Subscribers(TopicKeyAvailable))
	assert.Equal(t, 1, b.Publish(TopicKeyAvailable, "room-2"))
	assert.Len(t, got, 1)
}

func TestPanickingHandler(t *testing.T) {
	b := New()
	b.Subscribe("x", func(Event) { panic("boom") })
	called := false
	b.Subscribe("x", func(Event) { called = true })

	assert.NotPanics(t, func() { b.Publish("x", nil) })
	assert.True(t, called)
}

func TestClose(t *testing.T) {
	b := New()
	called := false
	b.Subscribe("x", func(Event) { called = true })
	b.Close()
	assert.Equal(t, 0, b.Publish("x", nil))
	assert.False(t, called)
}
