package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solaredge/pkg/common"
	"github.com/raterudder/solaredge/pkg/log"
	"github.com/raterudder/solaredge/pkg/types"
)

// Publisher is the part of autopaho.ConnectionManager the mirror needs.
type Publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Config holds the MQTT connection flags. An empty URL disables the mirror.
type Config struct {
	URL      string
	Username string
	Password string
	ClientID string
	Prefix   string

	// ConnectTimeout bounds the wait for the first connection.
	ConnectTimeout time.Duration
}

// Configured registers the Home Assistant mirror flags.
func Configured() *Config {
	u := lflag.String("hass-mqtt-url", "", "MQTT broker URL to mirror metrics to Home Assistant (e.g. mqtt://localhost:1883), empty disables")
	username := lflag.String("hass-mqtt-username", "", "MQTT username")
	password := lflag.String("hass-mqtt-password", "", "MQTT password")
	clientID := lflag.String("hass-mqtt-client-id", "solaredge-poller", "MQTT client ID")
	prefix := lflag.String("hass-discovery-prefix", "homeassistant", "Home Assistant discovery prefix")
	connectTimeout := lflag.Duration("hass-mqtt-connect-timeout", 5*time.Second, "How long to wait for the MQTT broker before giving up on the mirror")

	c := &Config{}
	lflag.Do(func() {
		c.URL = *u
		c.Username = *username
		c.Password = *password
		c.ClientID = *clientID
		c.Prefix = *prefix
		c.ConnectTimeout = *connectTimeout
	})
	return c
}

// Enabled returns true if a broker URL was configured.
func (c *Config) Enabled() bool {
	return c.URL != ""
}

// Connection is an MQTT connection made by Connect.
type Connection struct {
	cm   *autopaho.ConnectionManager
	stop context.CancelFunc
}

// Publish implements Publisher.
func (c *Connection) Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	return c.cm.Publish(ctx, p)
}

// Close disconnects, waiting at most timeout, and stops the reconnect loop.
func (c *Connection) Close(timeout time.Duration) error {
	defer c.stop()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.cm.Disconnect(ctx)
}

// Connect dials the broker and waits up to ConnectTimeout for the
// connection. If the broker cannot be reached the connection manager is
// stopped before Connect returns.
func (c *Config) Connect(ctx context.Context) (*Connection, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mqtt url: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     30,
		ConnectUsername:               c.Username,
		ConnectPassword:               []byte(c.Password),
		CleanStartOnInitialConnection: true,
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			log.Ctx(ctx).DebugContext(ctx, "connected to mqtt broker", slog.String("server", u.Host))
		},
		OnConnectError: func(err error) {
			log.Ctx(ctx).WarnContext(ctx, "mqtt connect failed", slog.Any("error", err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.ClientID,
		},
	}

	connCtx, stop := context.WithCancel(ctx)
	cm, err := autopaho.NewConnection(connCtx, cfg)
	if err != nil {
		stop()
		return nil, fmt.Errorf("failed to create mqtt connection: %w", err)
	}

	if err := awaitConnection(ctx, cm, stop, c.ConnectTimeout); err != nil {
		return nil, err
	}
	return &Connection{cm: cm, stop: stop}, nil
}

type connectionWaiter interface {
	AwaitConnection(ctx context.Context) error
	Done() <-chan struct{}
}

// awaitConnection waits for the first connection. On failure it calls stop
// and waits for the manager to exit so no reconnect loop is left behind.
func awaitConnection(ctx context.Context, cm connectionWaiter, stop context.CancelFunc, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		stop()
		<-cm.Done()
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	return nil
}

// Mirror publishes the metrics of a cycle as a Home Assistant device: a
// retained discovery config and a retained JSON state.
type Mirror struct {
	pub    Publisher
	prefix string
}

// NewMirror returns a Mirror publishing through pub under the discovery
// prefix.
func NewMirror(pub Publisher, prefix string) *Mirror {
	if prefix == "" {
		prefix = "homeassistant"
	}
	return &Mirror{pub: pub, prefix: prefix}
}

func deviceID(instance, siteID string) string {
	return fmt.Sprintf("solaredge_%s_%s", instance, siteID)
}

// StateTopic returns the topic the state JSON is published to.
func (m *Mirror) StateTopic(instance, siteID string) string {
	return fmt.Sprintf("%s/device/%s/state", m.prefix, deviceID(instance, siteID))
}

// ConfigTopic returns the discovery config topic.
func (m *Mirror) ConfigTopic(instance, siteID string) string {
	return fmt.Sprintf("%s/device/%s/config", m.prefix, deviceID(instance, siteID))
}

func component(id string, def types.MetricDefinition) Component {
	c := Component{
		Platform:      "sensor",
		Name:          def.DisplayName,
		ObjectID:      fmt.Sprintf("%s_%s", id, strings.ToLower(string(def.Name))),
		UniqueID:      fmt.Sprintf("%s_%s", id, def.Name),
		ValueTemplate: fmt.Sprintf("{{ value_json.%s }}", def.Name),
	}
	switch def.Role {
	case "value.power":
		c.DeviceClass = "power"
		c.StateClass = "measurement"
		c.UnitOfMeasurement = def.Unit
	case "value.battery":
		c.DeviceClass = "battery"
		c.StateClass = "measurement"
		c.UnitOfMeasurement = def.Unit
	case "date":
		c.DeviceClass = "timestamp"
	}
	return c
}

// Discovery builds the discovery message for the given definitions.
func (m *Mirror) Discovery(instance, siteID string, defs []types.MetricDefinition) DiscoveryMessage {
	id := deviceID(instance, siteID)
	msg := DiscoveryMessage{
		Device: DeviceInfo{
			Identifiers:  id,
			Name:         fmt.Sprintf("SolarEdge %s", siteID),
			Manufacturer: "SolarEdge",
			Model:        "Monitoring API site",
			SerialNumber: siteID,
		},
		Origin: OriginInfo{
			Name:            "solaredge-poller",
			SoftwareVersion: common.Version(),
		},
		Components: make(map[string]Component, len(defs)),
		StateTopic: m.StateTopic(instance, siteID),
	}
	for _, def := range defs {
		msg.Components[string(def.Name)] = component(id, def)
	}
	return msg
}

// Publish sends the discovery config and then the state. Metrics without a
// value this cycle are left out of the state.
func (m *Mirror) Publish(ctx context.Context, instance, siteID string, defs []types.MetricDefinition, metrics types.EnergyMetrics) error {
	config, err := json.Marshal(m.Discovery(instance, siteID, defs))
	if err != nil {
		return fmt.Errorf("failed to marshal discovery message: %w", err)
	}
	if _, err := m.pub.Publish(ctx, &paho.Publish{
		QoS:     0,
		Retain:  true,
		Topic:   m.ConfigTopic(instance, siteID),
		Payload: config,
	}); err != nil {
		return fmt.Errorf("failed to publish discovery config: %w", err)
	}

	state := make(map[string]any, len(defs))
	for _, def := range defs {
		if v, ok := metrics.Value(def.Name); ok {
			state[string(def.Name)] = v
		}
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if _, err := m.pub.Publish(ctx, &paho.Publish{
		QoS:     0,
		Retain:  true,
		Topic:   m.StateTopic(instance, siteID),
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("failed to publish state: %w", err)
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"mirrored metrics to home assistant",
		slog.String("topic", m.StateTopic(instance, siteID)),
		slog.Int("metrics", len(state)),
	)
	return nil
}
