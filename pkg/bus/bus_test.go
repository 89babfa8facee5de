package bus

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testClock() func() time.Time {
	t := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func TestPublishDeliversToExactSubscriber(t *testing.T) {
	b := New().WithClock(testClock())
	var got []Event
	b.Subscribe(TopicThresholdDetected, func(ev Event) { got = append(got, ev) })

	_, err := b.Publish(TopicThresholdDetected, map[string]any{"metric": "file_count"}, "detector")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "detector", got[0].Source)
	require.Len(t, got[0].EventID, 12)
}

func TestPerTopicDeliveryOrder(t *testing.T) {
	b := New().WithClock(testClock())
	var seen []int
	b.Subscribe("circuit.step", func(ev Event) { seen = append(seen, ev.Payload.(int)) })

	for i := 0; i < 10; i++ {
		_, err := b.Publish("circuit.step", i, "test")
		require.NoError(t, err)
	}
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
}

func TestPrefixAndWildcardPatterns(t *testing.T) {
	b := New().WithClock(testClock())
	var prefix, wild, exact int
	b.Subscribe("threshold.*", func(Event) { prefix++ })
	b.Subscribe("*", func(Event) { wild++ })
	b.Subscribe(TopicSimulationComplete, func(Event) { exact++ })

	b.Publish(TopicThresholdDetected, nil, "t")
	b.Publish(TopicSimulationComplete, nil, "t")
	b.Publish(TopicInterventionDone, nil, "t")

	require.Equal(t, 1, prefix)
	require.Equal(t, 3, wild)
	require.Equal(t, 1, exact)
}

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"*", "anything.at.all", true},
		{"threshold.*", "threshold.detected", true},
		{"threshold.*", "simulation.complete", false},
		{"threshold.detected", "threshold.detected", true},
		{"threshold.detected", "threshold.detected.extra", false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Match(c.pattern, c.topic), "%s vs %s", c.pattern, c.topic)
	}
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	b := New().WithClock(testClock())
	var delivered int
	b.Subscribe("x", func(Event) { panic("boom") })
	b.Subscribe("x", func(Event) { delivered++ })

	_, err := b.Publish("x", nil, "t")
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	// Event stays in the log despite the panic.
	require.Len(t, b.Log(), 1)
}

func TestSubscriberListSnapshottedDuringDispatch(t *testing.T) {
	b := New().WithClock(testClock())
	var late int
	b.Subscribe("x", func(Event) {
		b.Subscribe("x", func(Event) { late++ })
	})
	b.Publish("x", nil, "t")
	require.Zero(t, late, "subscriber added mid-dispatch must not see the in-flight event")

	b.Publish("x", nil, "t")
	require.Equal(t, 1, late)
}

func TestUnsubscribe(t *testing.T) {
	b := New().WithClock(testClock())
	var n int
	b.Subscribe("x", func(Event) { n++ })
	require.True(t, b.Unsubscribe("x"))
	require.False(t, b.Unsubscribe("x"))
	b.Publish("x", nil, "t")
	require.Zero(t, n)
}

func TestEventIDDerivedFromCanonicalForm(t *testing.T) {
	clock := func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	b1 := New().WithClock(clock)
	b2 := New().WithClock(clock)

	e1, err := b1.Publish("x", map[string]any{"k": "v"}, "s")
	require.NoError(t, err)
	e2, err := b2.Publish("x", map[string]any{"k": "v"}, "s")
	require.NoError(t, err)
	require.Equal(t, e1.EventID, e2.EventID)
}

func TestExportImportRoundTrip(t *testing.T) {
	b := New().WithClock(testClock())
	b.Publish(TopicThresholdDetected, map[string]any{"metric": "file_count", "value": 120.0}, "detector")
	b.Publish(TopicSimulationComplete, map[string]any{"prediction_hash": "abc"}, "simulator")

	var buf bytes.Buffer
	require.NoError(t, b.Export(&buf))

	events, err := ImportLog(&buf)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, b.Log()[0].EventID, events[0].EventID)
	require.Equal(t, TopicSimulationComplete, events[1].Topic)
}
