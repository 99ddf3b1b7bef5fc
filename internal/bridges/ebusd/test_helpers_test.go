package ebusd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []mockSubscription
	connected     bool
	handlers      map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MockMQTTClient) Disconnect(_ uint) {
	m.SetConnected(false)
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockPublish, len(m.published))
	copy(out, m.published)
	return out
}

// PublishedTo returns the messages published on topic, in order.
func (m *MockMQTTClient) PublishedTo(topic string) []mockPublish {
	var out []mockPublish
	for _, p := range m.GetPublished() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockSubscription, len(m.subscriptions))
	copy(out, m.subscriptions)
	return out
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// SimulateMessage delivers a message to the first subscription whose
// filter matches topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	var handler func(string, []byte)
	for _, sub := range m.subscriptions {
		if topicMatches(sub.Topic, topic) {
			handler = m.handlers[sub.Topic]
			break
		}
	}
	m.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

// topicMatches reports whether an MQTT filter with + and # matches topic.
func topicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// mockGateway implements GatewayClient for testing.
type mockGateway struct {
	mu         sync.Mutex
	status     GatewayStatus
	probeErr   error
	catalog    []byte
	fetchErr   error
	values     map[string]Payload
	circuits   []string
	fetches    int
	probes     int
	valueReads int
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		status:   GatewayStatus{Signal: true, Circuits: []string{"bai", GlobalCircuit}},
		catalog:  []byte(testCatalog),
		values:   make(map[string]Payload),
		circuits: []string{"bai"},
	}
}

func (g *mockGateway) ProbeCircuit(_ context.Context, _ string) (GatewayStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.probes++
	return g.status, g.probeErr
}

func (g *mockGateway) FetchConfiguration(_ context.Context, _ string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++
	return g.catalog, g.fetchErr
}

func (g *mockGateway) FetchCurrentValue(_ context.Context, circuit, message string) (Payload, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.valueReads++
	p, ok := g.values[message]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrMessageNotFound, circuit, message)
	}
	return p, nil
}

func (g *mockGateway) ListCircuits(_ context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.circuits...), nil
}

func (g *mockGateway) setStatus(s GatewayStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = s
}

func (g *mockGateway) getFetches() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetches
}

// memRepository implements Repository in memory.
type memRepository struct {
	mu         sync.Mutex
	sets       map[string]*MessageSet
	variables  map[string]VariableList
	priorities map[string]PollPriorities
}

func newMemRepository() *memRepository {
	return &memRepository{
		sets:       make(map[string]*MessageSet),
		variables:  make(map[string]VariableList),
		priorities: make(map[string]PollPriorities),
	}
}

func (r *memRepository) SaveMessageSet(_ context.Context, set *MessageSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[set.Circuit()] = set
	return nil
}

func (r *memRepository) LoadMessageSet(_ context.Context, circuit string) (*MessageSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sets[circuit]
	if !ok {
		return nil, ErrNoConfiguration
	}
	return set, nil
}

func (r *memRepository) SaveVariables(_ context.Context, circuit string, list VariableList) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variables[circuit] = list.WithoutReadValues()
	return nil
}

func (r *memRepository) LoadVariables(_ context.Context, circuit string) (VariableList, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.variables[circuit].Clone(), nil
}

func (r *memRepository) SavePollPriorities(_ context.Context, circuit string, p PollPriorities) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.priorities[circuit] = p.Clone()
	return nil
}

func (r *memRepository) LoadPollPriorities(_ context.Context, circuit string) (PollPriorities, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.priorities[circuit]; ok {
		return p.Clone(), nil
	}
	return PollPriorities{}, nil
}

// recordingSink implements ValueSink and keeps every write.
type recordingSink struct {
	mu     sync.Mutex
	writes []MessageDecode
}

func (s *recordingSink) WriteValues(_ string, d MessageDecode, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, d)
}

func (s *recordingSink) getWrites() []MessageDecode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MessageDecode(nil), s.writes...)
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
