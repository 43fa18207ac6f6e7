package hass

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/raterudder/solaredge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	published []*paho.Publish
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, p)
	return &paho.PublishResponse{}, nil
}

func TestMirrorPublish(t *testing.T) {
	soc := 80.0
	metrics := types.EnergyMetrics{
		PVProduction:     3000,
		BatteryDischarge: 1000,
		ImportedEnergy:   500,
		Load:             4500,
		BatterySoC:       &soc,
		LastUpdateTime:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	defs := types.TrackedMetrics(true, true)

	pub := &fakePublisher{}
	m := NewMirror(pub, "")
	require.NoError(t, m.Publish(context.Background(), "0", "12345", defs, metrics))
	require.Len(t, pub.published, 2)

	config := pub.published[0]
	assert.Equal(t, "homeassistant/device/solaredge_0_12345/config", config.Topic)
	assert.True(t, config.Retain)

	var msg DiscoveryMessage
	require.NoError(t, json.Unmarshal(config.Payload, &msg))
	assert.Equal(t, "homeassistant/device/solaredge_0_12345/state", msg.StateTopic)
	assert.Equal(t, "solaredge_0_12345", msg.Device.Identifiers)
	require.Len(t, msg.Components, len(defs))
	load := msg.Components["load"]
	assert.Equal(t, "power", load.DeviceClass)
	assert.Equal(t, "W", load.UnitOfMeasurement)
	assert.Equal(t, "{{ value_json.load }}", load.ValueTemplate)
	assert.Equal(t, "battery", msg.Components["batterySoC"].DeviceClass)
	assert.Equal(t, "timestamp", msg.Components["lastUpdateTime"].DeviceClass)

	state := pub.published[1]
	assert.Equal(t, msg.StateTopic, state.Topic)
	var values map[string]any
	require.NoError(t, json.Unmarshal(state.Payload, &values))
	assert.Equal(t, 4500.0, values["load"])
	assert.Equal(t, 0.0, values["batteryCharge"])
	assert.Equal(t, 80.0, values["batterySoC"])
	assert.Equal(t, "2024-06-01T12:00:00Z", values["lastUpdateTime"])
}

func TestMirrorPublishWithoutSoC(t *testing.T) {
	pub := &fakePublisher{}
	m := NewMirror(pub, "ha")
	require.NoError(t, m.Publish(context.Background(), "0", "1", types.TrackedMetrics(true, false), types.EnergyMetrics{Load: 10}))
	require.Len(t, pub.published, 2)
	assert.Equal(t, "ha/device/solaredge_0_1/config", pub.published[0].Topic)

	var values map[string]any
	require.NoError(t, json.Unmarshal(pub.published[1].Payload, &values))
	assert.NotContains(t, values, "batterySoC")
	assert.Equal(t, 10.0, values["load"])
}

func TestMirrorPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	m := NewMirror(pub, "")
	err := m.Publish(context.Background(), "0", "1", types.TrackedMetrics(false, false), types.EnergyMetrics{})
	assert.ErrorContains(t, err, "failed to publish discovery config")
}

func TestConfigEnabled(t *testing.T) {
	assert.False(t, (&Config{}).Enabled())
	assert.True(t, (&Config{URL: "mqtt://localhost:1883"}).Enabled())
}

type fakeManager struct {
	ctx       context.Context
	connected bool
}

func (f *fakeManager) AwaitConnection(ctx context.Context) error {
	if f.connected {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeManager) Done() <-chan struct{} {
	return f.ctx.Done()
}

func TestAwaitConnection(t *testing.T) {
	t.Run("Failed", func(t *testing.T) {
		connCtx, stop := context.WithCancel(context.Background())
		defer stop()
		cm := &fakeManager{ctx: connCtx}

		err := awaitConnection(context.Background(), cm, stop, 50*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		// the manager's context must be canceled so it stops reconnecting
		assert.ErrorIs(t, connCtx.Err(), context.Canceled)
	})

	t.Run("Connected", func(t *testing.T) {
		connCtx, stop := context.WithCancel(context.Background())
		defer stop()
		cm := &fakeManager{ctx: connCtx, connected: true}

		require.NoError(t, awaitConnection(context.Background(), cm, stop, 50*time.Millisecond))
		assert.NoError(t, connCtx.Err())
	})
}

func TestConnectUnreachable(t *testing.T) {
	// grab a free port and close it so nothing is listening
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	c := &Config{
		URL:            "mqtt://" + addr,
		ClientID:       "test",
		ConnectTimeout: 100 * time.Millisecond,
	}
	start := time.Now()
	conn, err := c.Connect(context.Background())
	assert.Nil(t, conn)
	assert.ErrorContains(t, err, "failed to connect to mqtt broker")
	assert.Less(t, time.Since(start), 5*time.Second)
}
