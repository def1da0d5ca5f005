package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	warren "github.com/warrenmq/warren"
	"github.com/warrenmq/warren/contracts"
	"github.com/warrenmq/warren/messaging"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.Connections, 1)
	assert.Equal(t, messaging.DefaultConnectionName, cfg.Connections[0].Name)
	assert.Equal(t, messaging.DefaultAckInterval, cfg.Ack.Interval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad(t *testing.T) {
	t.Run("empty filename yields defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("parses declared topology", func(t *testing.T) {
		raw := `
connections:
  - name: primary
    uri: amqp://broker-1:5672/
    retry_limit: 5
    fail_after: 90s
    publish_timeout: 2s
exchanges:
  - name: orders
    kind: topic
    durable: true
    connection: primary
queues:
  - name: orders.incoming
    durable: true
    limit: 50
    connection: primary
bindings:
  - exchange: orders
    target: orders.incoming
    keys: ["order.*"]
    to_queue: true
    connection: primary
subscriptions:
  - queue: orders.incoming
    connection: primary
ack:
  interval: 250ms
log:
  level: debug
  format: json
`
		path := filepath.Join(t.TempDir(), "warren.yaml")
		require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)

		require.Len(t, cfg.Connections, 1)
		assert.Equal(t, "primary", cfg.Connections[0].Name)
		assert.Equal(t, 5, cfg.Connections[0].RetryLimit)
		assert.Equal(t, 90*time.Second, cfg.Connections[0].FailAfter)

		require.Len(t, cfg.Exchanges, 1)
		assert.True(t, cfg.Exchanges[0].Durable)

		require.Len(t, cfg.Queues, 1)
		assert.Equal(t, 50, cfg.Queues[0].Limit)

		require.Len(t, cfg.Bindings, 1)
		assert.True(t, cfg.Bindings[0].ToQueue)

		assert.Equal(t, 250*time.Millisecond, cfg.Ack.Interval)
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("malformed yaml fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("connections: {{nope"), 0o644))

		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("invalid configuration fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("connections:\n  - name: a\n"), 0o644))

		_, err := Load(path)
		assert.ErrorContains(t, err, "uri")
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return Default()
	}

	t.Run("duplicate connection names", func(t *testing.T) {
		cfg := valid()
		cfg.Connections = append(cfg.Connections, cfg.Connections[0])
		assert.ErrorContains(t, cfg.Validate(), "duplicate")
	})

	t.Run("bad exchange kind", func(t *testing.T) {
		cfg := valid()
		cfg.Exchanges = []ExchangeConfig{{Name: "x", Kind: "mystery"}}
		assert.ErrorContains(t, cfg.Validate(), "kind")
	})

	t.Run("subscription on undeclared queue", func(t *testing.T) {
		cfg := valid()
		cfg.Subscriptions = []SubscriptionConfig{{Queue: "ghost"}}
		assert.ErrorContains(t, cfg.Validate(), "not declared")
	})

	t.Run("negative ack interval", func(t *testing.T) {
		cfg := valid()
		cfg.Ack.Interval = -time.Second
		assert.ErrorContains(t, cfg.Validate(), "ack.interval")
	})

	t.Run("bad log level", func(t *testing.T) {
		cfg := valid()
		cfg.Log.Level = "verbose"
		assert.ErrorContains(t, cfg.Validate(), "log.level")
	})
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Exchanges = []ExchangeConfig{{Name: "orders", Kind: "topic", Durable: true}}

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Exchanges, loaded.Exchanges)
}

func TestLogger(t *testing.T) {
	for _, tc := range []struct {
		level  string
		format string
	}{
		{"debug", "text"},
		{"info", "json"},
		{"warn", "text"},
		{"error", "json"},
	} {
		cfg := Default()
		cfg.Log.Level = tc.level
		cfg.Log.Format = tc.format
		assert.NotNil(t, cfg.Logger())
	}
}

func TestApply(t *testing.T) {
	topo := &applyTopology{
		exchanges: make(map[string]messaging.ExchangeOptions),
		queues:    make(map[string]messaging.QueueOptions),
	}
	factory := func(opts messaging.ConnectionOptions) (messaging.Connection, messaging.Topology, error) {
		return &applyConn{name: opts.Name}, topo, nil
	}
	b := warren.NewBroker(warren.WithConnectionFactory(factory))
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	cfg := &Config{
		Connections: []ConnectionConfig{{URI: "amqp://localhost", ReplyQueue: "replies"}},
		Exchanges:   []ExchangeConfig{{Name: "orders", Kind: "topic"}},
		Queues:      []QueueConfig{{Name: "orders.incoming", Limit: 10}},
		Bindings: []BindingConfig{
			{Exchange: "orders", Target: "orders.incoming", Keys: []string{"order.*"}, ToQueue: true},
		},
		Subscriptions: []SubscriptionConfig{{Queue: "orders.incoming"}},
		Ack:           AckConfig{Interval: messaging.DefaultAckInterval},
		Log:           LogConfig{Level: "info", Format: "text"},
	}
	require.NoError(t, cfg.Validate())

	require.NoError(t, cfg.Apply(context.Background(), b))

	topo.mu.Lock()
	defer topo.mu.Unlock()
	assert.Contains(t, topo.exchanges, "orders")
	assert.Contains(t, topo.queues, "orders.incoming")
	assert.Contains(t, topo.queues, "replies")
	require.Len(t, topo.bindings, 1)
	assert.True(t, topo.bindings[0].ToQueue)
	assert.Contains(t, topo.subscribed, "orders.incoming")
}

type applyConn struct {
	name string
}

func (c *applyConn) Name() string { return c.name }

func (c *applyConn) Connect(ctx context.Context) error { return nil }

func (c *applyConn) Close(ctx context.Context) error { return nil }

func (c *applyConn) State() messaging.ConnectionState { return messaging.StateConnected }

func (c *applyConn) Notify(ch chan<- contracts.Event) {}

func (c *applyConn) PublishTimeout() time.Duration { return 0 }

type applyTopology struct {
	mu         sync.Mutex
	exchanges  map[string]messaging.ExchangeOptions
	queues     map[string]messaging.QueueOptions
	bindings   []messaging.BindingSpec
	subscribed []string
}

func (f *applyTopology) CreateExchange(ctx context.Context, opts messaging.ExchangeOptions) (messaging.Exchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges[opts.Name] = opts
	return nil, nil
}

func (f *applyTopology) CreateQueue(ctx context.Context, opts messaging.QueueOptions) (messaging.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[opts.Name] = opts
	return &applyQueue{topo: f, name: opts.Name}, nil
}

func (f *applyTopology) CreateBinding(ctx context.Context, spec messaging.BindingSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, spec)
	return nil
}

func (f *applyTopology) DeleteExchange(ctx context.Context, name string) error { return nil }

func (f *applyTopology) DeleteQueue(ctx context.Context, name string) error { return nil }

func (f *applyTopology) Exchange(name string) (messaging.Exchange, bool) { return nil, false }

func (f *applyTopology) Queue(name string) (messaging.Queue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queues[name]; ok {
		return &applyQueue{topo: f, name: name}, true
	}
	return nil, false
}

func (f *applyTopology) Reset() {}

func (f *applyTopology) Replay(ctx context.Context) error { return nil }

type applyQueue struct {
	topo *applyTopology
	name string
}

func (q *applyQueue) Name() string { return q.name }

func (q *applyQueue) Subscribe(ctx context.Context, exclusive bool, handler messaging.DeliveryHandler) error {
	q.topo.mu.Lock()
	defer q.topo.mu.Unlock()
	q.topo.subscribed = append(q.topo.subscribed, q.name)
	return nil
}

func (q *applyQueue) Unsubscribe() error { return nil }
