package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlanes/agentlanes/engine"
)

func sampleEvent(channel, nodeID string) engine.Event {
	return engine.Event{
		Channel:     channel,
		Timestamp:   time.Now(),
		ExecutionID: "exec-1",
		TraceID:     "trace-1",
		NodeID:      nodeID,
		Data:        map[string]any{"exit_code": 0},
	}
}

func TestNDJSONWriterEmitsFlatLines(t *testing.T) {
	var buf bytes.Buffer
	w := NewNDJSONWriter(&buf, nil)

	w.Emit(sampleEvent(engine.ChannelExecutionStarted, ""))
	w.Emit(sampleEvent(engine.ChannelNodeCompleted, "a"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, engine.ChannelExecutionStarted, first["channel"])
	assert.Equal(t, "exec-1", first["execution_id"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "a", second["node_id"])
	assert.EqualValues(t, 0, second["exit_code"], "data fields are inlined")
}

func TestNDJSONWriterConcurrentEmitters(t *testing.T) {
	var buf bytes.Buffer
	w := NewNDJSONWriter(&buf, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Emit(sampleEvent(engine.ChannelNodeStarted, "n"))
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 20)
	for _, line := range lines {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), "interleaved write: %q", line)
	}
}

func TestRedisPublisherAppendsToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	p := NewRedisPublisher(client, "agentlanes:events", nil)
	defer p.Close()

	p.Emit(sampleEvent(engine.ChannelNodeCompleted, "a"))
	p.Emit(sampleEvent(engine.ChannelExecutionCompleted, ""))

	msgs, err := client.XRange(context.Background(), "agentlanes:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, engine.ChannelNodeCompleted, msgs[0].Values["channel"])
	assert.Equal(t, "exec-1", msgs[0].Values["execution_id"])

	var decoded engine.Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["event"].(string)), &decoded))
	assert.Equal(t, "a", decoded.NodeID)
}

func TestMultiFansOut(t *testing.T) {
	var a, b []engine.Event
	sink := Multi(
		engine.EventSinkFunc(func(ev engine.Event) { a = append(a, ev) }),
		nil,
		engine.EventSinkFunc(func(ev engine.Event) { b = append(b, ev) }),
	)

	sink.Emit(sampleEvent(engine.ChannelNodeStarted, "a"))

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, engine.ChannelNodeStarted, a[0].Channel)
}
