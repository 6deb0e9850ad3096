package iot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kolibri/internal/encoder"
	"kolibri/internal/journal"
)

func testPolicy() Policy {
	return Policy{
		Allowlist: map[string][]string{
			"lamp":   {"on", "off"},
			"heater": {"set_temp"},
		},
		ConfirmationRequired: []string{"heater:set_temp"},
		MaxActionsPerSession: 3,
		MaxBatchSize:         2,
		MaxDeferredActions:   2,
	}
}

func TestDispatchAllowed(t *testing.T) {
	j := journal.New()
	b := NewBridge(testPolicy(), WithJournal(j))

	ack, err := b.Dispatch("s1", Command{DeviceID: "lamp", Action: "on"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "executed", ack.Status)
	assert.Equal(t, 1, ack.Count)

	entries := j.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "iot_executed", entries[0].Event)
}

func TestDispatchDenied(t *testing.T) {
	j := journal.New()
	b := NewBridge(testPolicy(), WithJournal(j))

	_, err := b.Dispatch("s1", Command{DeviceID: "lamp", Action: "explode"}, nil)
	require.ErrorIs(t, err, ErrNotAllowed)
	assert.Equal(t, "iot_denied", j.Entries()[0].Event)
}

func TestDispatchRateLimited(t *testing.T) {
	b := NewBridge(testPolicy())
	for i := 0; i < 3; i++ {
		_, err := b.Dispatch("s1", Command{DeviceID: "lamp", Action: "on"}, nil)
		require.NoError(t, err)
	}
	_, err := b.Dispatch("s1", Command{DeviceID: "lamp", Action: "on"}, nil)
	assert.ErrorIs(t, err, ErrRateLimited)

	// Another session keeps its own counter.
	_, err = b.Dispatch("s2", Command{DeviceID: "lamp", Action: "on"}, nil)
	assert.NoError(t, err)
}

func TestDispatchConfirmation(t *testing.T) {
	b := NewBridge(testPolicy())
	command := Command{DeviceID: "heater", Action: "set_temp"}

	_, err := b.Dispatch("s1", command, nil)
	assert.ErrorIs(t, err, ErrConfirmationRequired)

	_, err = b.Dispatch("s1", command, func(Command) bool { return false })
	assert.ErrorIs(t, err, ErrConfirmationRequired)

	ack, err := b.Dispatch("s1", command, func(Command) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, "executed", ack.Status)
}

func TestDispatchBatchLimit(t *testing.T) {
	b := NewBridge(testPolicy())
	commands := []Command{
		{DeviceID: "lamp", Action: "on"},
		{DeviceID: "lamp", Action: "off"},
		{DeviceID: "lamp", Action: "on"},
	}
	_, err := b.DispatchBatch("s1", commands, nil)
	assert.ErrorIs(t, err, ErrBatchTooLarge)

	acks, err := b.DispatchBatch("s1", commands[:2], nil)
	require.NoError(t, err)
	assert.Len(t, acks, 2)
}

func TestQueueAndRelease(t *testing.T) {
	b := NewBridge(testPolicy())
	require.NoError(t, b.QueueDelayed("s1", Command{DeviceID: "lamp", Action: "on"}, 10))
	require.NoError(t, b.QueueDelayed("s1", Command{DeviceID: "lamp", Action: "off"}, 20))
	assert.ErrorIs(t, b.QueueDelayed("s1", Command{DeviceID: "lamp", Action: "on"}, 30), ErrQueueFull)

	acks := b.ReleaseDelayed(15, nil)
	require.Len(t, acks, 1)
	assert.Equal(t, "on", acks[0].Action)
	assert.Equal(t, 1, b.DeferredLen())

	acks = b.ReleaseDelayed(25, nil)
	require.Len(t, acks, 1)
	assert.Equal(t, "off", acks[0].Action)
}

func TestMergeAfterOfflineDeduplicates(t *testing.T) {
	b := NewBridge(testPolicy())
	require.NoError(t, b.QueueDelayed("s1", Command{DeviceID: "lamp", Action: "on", Parameters: map[string]any{"level": 5}}, 10))

	incoming := []Command{
		{DeviceID: "lamp", Action: "on", Parameters: map[string]any{"level": 5}},
		{DeviceID: "lamp", Action: "off"},
	}
	acks, err := b.MergeAfterOffline("s1", incoming, nil)
	require.NoError(t, err)
	require.Len(t, acks, 2)
	assert.Equal(t, "on", acks[0].Action)
	assert.Equal(t, "off", acks[1].Action)
	assert.Equal(t, 0, b.DeferredLen())
}

func TestResetSessionClearsState(t *testing.T) {
	b := NewBridge(testPolicy())
	_, err := b.Dispatch("s1", Command{DeviceID: "lamp", Action: "on"}, nil)
	require.NoError(t, err)
	require.NoError(t, b.QueueDelayed("s1", Command{DeviceID: "lamp", Action: "off"}, 10))

	b.ResetSession("s1")
	assert.Equal(t, 0, b.DeferredLen())
	for i := 0; i < 3; i++ {
		_, err := b.Dispatch("s1", Command{DeviceID: "lamp", Action: "on"}, nil)
		require.NoError(t, err)
	}
}

func TestExecutedCommandMirrorsSensorHub(t *testing.T) {
	hub := encoder.NewSensorHub()
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	b := NewBridge(testPolicy(),
		WithSensorHub(hub, "iot"),
		WithClock(func() time.Time { return clock }),
	)

	_, err := b.Dispatch("s1", Command{
		DeviceID:   "lamp",
		Action:     "on",
		Parameters: map[string]any{"value": 0.5, "timestamp": 100.0},
	}, nil)
	require.NoError(t, err)

	sequences := hub.ToSequences()
	series, ok := sequences["s1:iot::lamp::on"]
	require.True(t, ok)
	require.Len(t, series, 1)
	assert.Equal(t, 0.5, series[0].Value)
	assert.Equal(t, 100.0, series[0].Timestamp)
}
