package ebusd

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

const flowTempPayload = `{"temp": {"value": 45.5}, "sensor": {"value": "ok"}}`

type circuitFixture struct {
	circuit *Circuit
	mqtt    *MockMQTTClient
	gateway *mockGateway
	repo    *memRepository
	sink    *recordingSink
}

func newCircuitFixture(t *testing.T, cfg CircuitConfig) circuitFixture {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "BAI"
	}
	validator, err := NewCatalogValidator()
	if err != nil {
		t.Fatalf("NewCatalogValidator() error = %v", err)
	}
	f := circuitFixture{
		mqtt:    NewMockMQTTClient(),
		gateway: newMockGateway(),
		repo:    newMemRepository(),
		sink:    &recordingSink{},
	}
	f.circuit = newCircuit(cfg, circuitDeps{
		host:      "127.0.0.1",
		port:      "8889",
		topics:    NewTopics("", ""),
		gateway:   f.gateway,
		validator: validator,
		repo:      f.repo,
		mqtt:      f.mqtt,
		sinks:     []ValueSink{f.sink},
	})
	return f
}

// configured returns a fixture whose circuit has read the test catalog.
func configured(t *testing.T) circuitFixture {
	t.Helper()
	f := newCircuitFixture(t, CircuitConfig{})
	if _, err := f.circuit.ReadConfiguration(context.Background()); err != nil {
		t.Fatalf("ReadConfiguration() error = %v", err)
	}
	return f
}

func TestCircuitNameLowerCased(t *testing.T) {
	f := newCircuitFixture(t, CircuitConfig{Name: " BAI "})
	if f.circuit.Name() != "bai" {
		t.Errorf("Name() = %q, want bai", f.circuit.Name())
	}
}

func TestCircuitReadConfiguration(t *testing.T) {
	f := newCircuitFixture(t, CircuitConfig{})
	ctx := context.Background()

	set, err := f.circuit.ReadConfiguration(ctx)
	if err != nil {
		t.Fatalf("ReadConfiguration() error = %v", err)
	}
	if set.Revision() != 1 || set.Len() != 4 {
		t.Errorf("revision %d len %d, want 1 and 4", set.Revision(), set.Len())
	}
	if f.circuit.MessageSet() != set {
		t.Error("MessageSet() not replaced")
	}
	if got := len(f.circuit.Variables()); got != 3 {
		t.Errorf("Variables() len = %d, want 3", got)
	}

	stored, err := f.repo.LoadMessageSet(ctx, "bai")
	if err != nil || stored.Revision() != 1 {
		t.Errorf("persisted set = %v, %v", stored, err)
	}
	if got := len(f.repo.variables["bai"]); got != 3 {
		t.Errorf("persisted variables = %d, want 3", got)
	}

	again, err := f.circuit.ReadConfiguration(ctx)
	if err != nil {
		t.Fatalf("second ReadConfiguration() error = %v", err)
	}
	if again.Revision() != 2 {
		t.Errorf("second revision = %d, want 2", again.Revision())
	}
	if set.Revision() != 1 || set.Len() != 4 {
		t.Error("previous set was modified")
	}
}

func TestCircuitReadConfigurationConcurrentRevisions(t *testing.T) {
	f := newCircuitFixture(t, CircuitConfig{})
	const n = 8

	var wg sync.WaitGroup
	revs := make([]uint64, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set, err := f.circuit.ReadConfiguration(context.Background())
			errs[i] = err
			if set != nil {
				revs[i] = set.Revision()
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("ReadConfiguration() error = %v", errs[i])
		}
		if seen[revs[i]] {
			t.Errorf("revision %d handed out twice: %v", revs[i], revs)
		}
		seen[revs[i]] = true
	}
	if got := f.circuit.MessageSet().Revision(); got != n {
		t.Errorf("final revision = %d, want %d", got, n)
	}
}

func TestCircuitReadConfigurationErrors(t *testing.T) {
	tests := []struct {
		name    string
		catalog string
		fetch   error
		want    error
	}{
		{"gateway down", "", ErrGatewayRequest, ErrGatewayRequest},
		{"circuit missing", `{"hmu": {"messages": {}}}`, nil, ErrCircuitNotFound},
		{"schema violation", `{"bai": {"messages": {"M": {"fielddefs": []}}}}`, nil, ErrInvalidDefinition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCircuitFixture(t, CircuitConfig{})
			f.gateway.catalog = []byte(tt.catalog)
			f.gateway.fetchErr = tt.fetch

			if _, err := f.circuit.ReadConfiguration(context.Background()); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if f.circuit.MessageSet() != nil {
				t.Error("message set installed after failure")
			}
		})
	}
}

func TestCircuitLoad(t *testing.T) {
	f := newCircuitFixture(t, CircuitConfig{})
	ctx := context.Background()

	if err := f.circuit.Load(ctx); err != nil {
		t.Fatalf("Load(empty) error = %v", err)
	}
	if f.circuit.MessageSet() != nil {
		t.Error("MessageSet() after empty Load should be nil")
	}

	f.repo.sets["bai"] = testMessageSet(t, 7)
	f.repo.variables["bai"] = VariableList{{MessageName: "FlowTemp", Readable: true, Keep: true, PollPriority: 2}}
	f.repo.priorities["bai"] = PollPriorities{"FlowTemp": 2}

	if err := f.circuit.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if set := f.circuit.MessageSet(); set == nil || set.Revision() != 7 {
		t.Fatalf("MessageSet() = %v", set)
	}
	flow, ok := f.circuit.Variables().Find("FlowTemp")
	if !ok || !flow.Keep || flow.PollPriority != 2 {
		t.Errorf("FlowTemp = %+v", flow)
	}
	if p := f.circuit.PollPriorities(); p["FlowTemp"] != 2 {
		t.Errorf("PollPriorities() = %v", p)
	}
}

func TestCircuitUpdateVariablesPublishesPollCommands(t *testing.T) {
	f := configured(t)
	ctx := context.Background()

	list, err := f.circuit.UpdateVariables(ctx, []VariableEdit{
		{MessageName: "FlowTemp", Keep: boolPtr(true), PollPriority: intPtr(2)},
		{MessageName: "HwcTempDesired", PollPriority: intPtr(1)},
	})
	if err != nil {
		t.Fatalf("UpdateVariables() error = %v", err)
	}
	if e, _ := list.Find("FlowTemp"); !e.Keep || e.PollPriority != 2 {
		t.Errorf("FlowTemp = %+v", e)
	}

	published := f.mqtt.GetPublished()
	want := []mockPublish{
		{Topic: "ebusd/bai/FlowTemp/get", Payload: []byte("?2")},
		{Topic: "ebusd/bai/HwcTempDesired/get", Payload: []byte("?1")},
	}
	if len(published) != len(want) {
		t.Fatalf("published %d messages, want %d: %+v", len(published), len(want), published)
	}
	for i, w := range want {
		p := published[i]
		if p.Topic != w.Topic || string(p.Payload) != string(w.Payload) || p.QoS != 0 || p.Retained {
			t.Errorf("published[%d] = %s %q qos=%d retained=%v, want %s %q qos=0", i, p.Topic, p.Payload, p.QoS, p.Retained, w.Topic, w.Payload)
		}
	}

	// Dropping a priority sends ?0 for that message only.
	f.mqtt.ClearPublished()
	if _, err := f.circuit.UpdateVariables(ctx, []VariableEdit{{MessageName: "FlowTemp", PollPriority: intPtr(0)}}); err != nil {
		t.Fatalf("UpdateVariables() error = %v", err)
	}
	published = f.mqtt.GetPublished()
	if len(published) != 1 || published[0].Topic != "ebusd/bai/FlowTemp/get" || string(published[0].Payload) != "?0" {
		t.Errorf("published = %+v", published)
	}
	if p := f.repo.priorities["bai"]; len(p) != 1 || p["HwcTempDesired"] != 1 {
		t.Errorf("persisted priorities = %v", p)
	}

	// Repeating the same edit publishes nothing.
	f.mqtt.ClearPublished()
	if _, err := f.circuit.UpdateVariables(ctx, []VariableEdit{{MessageName: "FlowTemp", PollPriority: intPtr(0)}}); err != nil {
		t.Fatalf("UpdateVariables() error = %v", err)
	}
	if n := len(f.mqtt.GetPublished()); n != 0 {
		t.Errorf("published %d messages for an unchanged list", n)
	}
}

func TestCircuitUpdateVariablesNotConnected(t *testing.T) {
	f := configured(t)
	f.mqtt.SetConnected(false)

	_, err := f.circuit.UpdateVariables(context.Background(), []VariableEdit{
		{MessageName: "FlowTemp", PollPriority: intPtr(3)},
	})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
	if p := f.circuit.PollPriorities(); len(p) != 0 {
		t.Errorf("PollPriorities() = %v after failed update", p)
	}
	if e, _ := f.circuit.Variables().Find("FlowTemp"); e.PollPriority != 0 {
		t.Errorf("FlowTemp priority = %d after failed update", e.PollPriority)
	}
}

func TestCircuitKeepSurvivesRefetch(t *testing.T) {
	f := configured(t)
	ctx := context.Background()

	if _, err := f.circuit.UpdateVariables(ctx, []VariableEdit{{MessageName: "FlowTemp", Keep: boolPtr(true)}}); err != nil {
		t.Fatalf("UpdateVariables() error = %v", err)
	}
	if _, err := f.circuit.ReadConfiguration(ctx); err != nil {
		t.Fatalf("ReadConfiguration() error = %v", err)
	}
	if e, _ := f.circuit.Variables().Find("FlowTemp"); !e.Keep {
		t.Error("keep lost on refetch")
	}
}

func TestCircuitHandleMessage(t *testing.T) {
	f := configured(t)
	if _, err := f.circuit.UpdateVariables(context.Background(), []VariableEdit{{MessageName: "FlowTemp", Keep: boolPtr(true)}}); err != nil {
		t.Fatalf("UpdateVariables() error = %v", err)
	}
	f.mqtt.ClearPublished()

	if err := f.circuit.HandleMessage("ebusd/bai/FlowTemp", []byte(flowTempPayload)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	states := f.mqtt.PublishedTo("ebusbridge/state/bai/FlowTemp")
	if len(states) != 1 {
		t.Fatalf("state messages = %d, want 1", len(states))
	}
	if states[0].QoS != 1 || !states[0].Retained {
		t.Errorf("state qos=%d retained=%v, want 1 retained", states[0].QoS, states[0].Retained)
	}
	var state struct {
		Circuit string `json:"circuit"`
		Values  []struct {
			Ident string `json:"ident"`
			Value any    `json:"value"`
		} `json:"values"`
	}
	if err := json.Unmarshal(states[0].Payload, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if state.Circuit != "bai" || len(state.Values) != 2 {
		t.Fatalf("state = %+v", state)
	}
	if state.Values[0].Ident != "FlowTemp" || state.Values[0].Value != 45.5 {
		t.Errorf("values[0] = %+v", state.Values[0])
	}
	if state.Values[1].Ident != "FlowTemp_sensorstatus" || state.Values[1].Value != float64(0) {
		t.Errorf("values[1] = %+v", state.Values[1])
	}

	writes := f.sink.getWrites()
	if len(writes) != 1 || writes[0].Message != "FlowTemp" {
		t.Errorf("sink writes = %+v", writes)
	}
	last := f.circuit.LastValues()
	if len(last) != 1 || last[0].Message != "FlowTemp" {
		t.Errorf("LastValues() = %+v", last)
	}
}

func TestCircuitHandleMessageFiltering(t *testing.T) {
	f := configured(t)
	if _, err := f.circuit.UpdateVariables(context.Background(), []VariableEdit{{MessageName: "FlowTemp", Keep: boolPtr(true)}}); err != nil {
		t.Fatalf("UpdateVariables() error = %v", err)
	}
	f.mqtt.ClearPublished()

	tests := []struct {
		name    string
		topic   string
		payload string
		wantErr error
	}{
		{"not kept", "ebusd/bai/HwcTempDesired", `{"0": {"value": 50}}`, nil},
		{"own get echo", "ebusd/bai/FlowTemp/get", `?1`, nil},
		{"other circuit", "ebusd/hmu/FlowTemp", flowTempPayload, nil},
		{"not json", "ebusd/bai/FlowTemp", `45.5;ok`, ErrInvalidPayload},
		{"unknown message", "ebusd/bai/Nope", `{}`, ErrMessageNotFound},
		{"scalar payload", "ebusd/bai/FlowTemp", `42`, ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.circuit.HandleMessage(tt.topic, []byte(tt.payload))
			if tt.wantErr == nil && err != nil {
				t.Errorf("HandleMessage() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("HandleMessage() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if n := len(f.mqtt.GetPublished()); n != 0 {
		t.Errorf("published %d messages for filtered input", n)
	}
	if n := len(f.sink.getWrites()); n != 0 {
		t.Errorf("sink received %d writes for filtered input", n)
	}
}

func TestCircuitHandleMessageWithoutConfiguration(t *testing.T) {
	f := newCircuitFixture(t, CircuitConfig{})
	if err := f.circuit.HandleMessage("ebusd/bai/FlowTemp", []byte(flowTempPayload)); !errors.Is(err, ErrNoConfiguration) {
		t.Errorf("error = %v, want ErrNoConfiguration", err)
	}
}

func TestCircuitSetValue(t *testing.T) {
	f := newCircuitFixture(t, CircuitConfig{})
	if _, err := f.circuit.SetValue("HwcTempDesired", 48.5); !errors.Is(err, ErrNoConfiguration) {
		t.Errorf("SetValue() before fetch error = %v, want ErrNoConfiguration", err)
	}

	f = configured(t)
	f.mqtt.ClearPublished()

	if _, err := f.circuit.SetValue("Nope", 1); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("unknown message error = %v", err)
	}
	if _, err := f.circuit.SetValue("FlowTemp", 1); !errors.Is(err, ErrNotWritable) {
		t.Errorf("read-only message error = %v", err)
	}

	payload, err := f.circuit.SetValue("HwcTempDesired", 48.5)
	if err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if payload != "48.5" {
		t.Errorf("payload = %q, want 48.5", payload)
	}
	sets := f.mqtt.PublishedTo("ebusd/bai/HwcTempDesired/set")
	if len(sets) != 1 || string(sets[0].Payload) != "48.5" || sets[0].QoS != 0 || sets[0].Retained {
		t.Errorf("set publishes = %+v", sets)
	}

	if payload, err := f.circuit.SetValue("SetMode", float64(2)); err != nil || payload != "2" {
		t.Errorf("SetValue(SetMode) = %q, %v", payload, err)
	}

	f.mqtt.SetConnected(false)
	if _, err := f.circuit.SetValue("HwcTempDesired", 40); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v, want ErrNotConnected", err)
	}

	if got := f.circuit.deps.counters.sets.Load(); got != 5 {
		t.Errorf("set counter = %d, want 5", got)
	}
	if got := f.circuit.deps.counters.setErrors.Load(); got != 3 {
		t.Errorf("set error counter = %d, want 3", got)
	}
}

func TestCircuitRequestAllValues(t *testing.T) {
	f := configured(t)
	if _, err := f.circuit.UpdateVariables(context.Background(), []VariableEdit{
		{MessageName: "FlowTemp", Keep: boolPtr(true)},
		{MessageName: "SetMode", Keep: boolPtr(true)},
	}); err != nil {
		t.Fatalf("UpdateVariables() error = %v", err)
	}
	f.mqtt.ClearPublished()

	n, err := f.circuit.RequestAllValues()
	if err != nil {
		t.Fatalf("RequestAllValues() error = %v", err)
	}
	if n != 1 {
		t.Errorf("requested %d, want 1 (SetMode is not readable)", n)
	}
	gets := f.mqtt.PublishedTo("ebusd/bai/FlowTemp/get")
	if len(gets) != 1 || len(gets[0].Payload) != 0 {
		t.Errorf("get publishes = %+v", gets)
	}
}

func TestCircuitReadCurrentValues(t *testing.T) {
	f := configured(t)
	f.gateway.values["FlowTemp"] = Payload{
		{Name: "temp", Value: 45.5, HasValue: true},
		{Name: "sensor", Value: "ok", HasValue: true},
	}

	list, read, err := f.circuit.ReadCurrentValues(context.Background())
	if err != nil {
		t.Fatalf("ReadCurrentValues() error = %v", err)
	}
	if read != 2 {
		t.Errorf("read = %d, want 2", read)
	}
	flow, _ := list.Find("FlowTemp")
	if flow.ReadValues != "45.5/ok" {
		t.Errorf("FlowTemp.ReadValues = %q", flow.ReadValues)
	}
	hwc, _ := list.Find("HwcTempDesired")
	if hwc.ReadValues != "" {
		t.Errorf("HwcTempDesired.ReadValues = %q, want empty after failed read", hwc.ReadValues)
	}
	if f.repo.variables["bai"][0].ReadValues != "" {
		t.Error("read values were persisted")
	}
}

func TestCircuitCheckTransitions(t *testing.T) {
	f := newCircuitFixture(t, CircuitConfig{})
	f.repo.priorities["bai"] = PollPriorities{"FlowTemp": 3}
	ctx := context.Background()
	if err := f.circuit.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	res := f.circuit.Check(ctx)
	if res.Status != StatusActive {
		t.Fatalf("Check() = %v (%s), want active", res.Status, res.Reason)
	}
	gets := f.mqtt.PublishedTo("ebusd/bai/FlowTemp/get")
	if len(gets) != 1 || string(gets[0].Payload) != "?3" {
		t.Errorf("priorities on activation = %+v", gets)
	}
	if h := f.circuit.Health(); h.NextCheck != "" || h.Code != 102 {
		t.Errorf("Health() = %+v", h)
	}

	// Staying active does not republish.
	f.circuit.Check(ctx)
	if n := len(f.mqtt.PublishedTo("ebusd/bai/FlowTemp/get")); n != 1 {
		t.Errorf("republished while active: %d publishes", n)
	}

	f.gateway.setStatus(GatewayStatus{Signal: true, Circuits: []string{"hmu"}})
	res = f.circuit.Check(ctx)
	if res.Status != StatusTopicInvalid {
		t.Errorf("Check() = %v, want topic_invalid", res.Status)
	}
	if h := f.circuit.Health(); h.NextCheck != "5s" {
		t.Errorf("NextCheck = %q, want 5s", h.NextCheck)
	}
	f.circuit.Check(ctx)
	if h := f.circuit.Health(); h.NextCheck != "10s" {
		t.Errorf("NextCheck = %q, want 10s", h.NextCheck)
	}

	f.gateway.setStatus(GatewayStatus{Signal: true, Circuits: []string{"bai"}})
	f.circuit.Check(ctx)
	if n := len(f.mqtt.PublishedTo("ebusd/bai/FlowTemp/get")); n != 2 {
		t.Errorf("priorities not republished on reactivation: %d publishes", n)
	}
}

func TestCircuitCheckAutoFetch(t *testing.T) {
	f := newCircuitFixture(t, CircuitConfig{AutoFetch: true})
	f.circuit.Check(context.Background())

	if f.circuit.MessageSet() == nil {
		t.Fatal("message set not fetched on activation")
	}
	f.circuit.Check(context.Background())
	if n := f.gateway.getFetches(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestCircuitCheckWithoutTransport(t *testing.T) {
	f := newCircuitFixture(t, CircuitConfig{})
	f.mqtt.SetConnected(false)

	if res := f.circuit.Check(context.Background()); res.Status != StatusInactive {
		t.Errorf("Check() = %v, want inactive", res.Status)
	}
	if f.gateway.probes != 0 {
		t.Error("gateway probed without transport")
	}
}

func TestCircuitHandleSignal(t *testing.T) {
	tests := []struct {
		payload string
		want    bool
	}{
		{"false", false},
		{"0", false},
		{`"off"`, false},
		{"true", true},
		{"garbage", true},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			f := newCircuitFixture(t, CircuitConfig{})
			f.circuit.HandleSignal([]byte(tt.payload))
			if got := f.circuit.Health().Signal; got != tt.want {
				t.Errorf("Signal = %v, want %v", got, tt.want)
			}
			wantTrigger := 0
			if !tt.want {
				wantTrigger = 1
			}
			if got := len(f.circuit.checkNow); got != wantTrigger {
				t.Errorf("pending checks = %d, want %d", got, wantTrigger)
			}
		})
	}
}

func TestCircuitSignalLossDeactivates(t *testing.T) {
	f := newCircuitFixture(t, CircuitConfig{})
	ctx := context.Background()

	if res := f.circuit.Check(ctx); res.Status != StatusActive {
		t.Fatalf("Check() = %v, want active", res.Status)
	}
	f.circuit.HandleSignal([]byte("false"))
	if res := f.circuit.Check(ctx); res.Status != StatusInactive {
		t.Errorf("Check() after signal loss = %v, want inactive", res.Status)
	}
}

func TestCircuitRunLoop(t *testing.T) {
	f := newCircuitFixture(t, CircuitConfig{UpdateInterval: 20 * time.Millisecond})
	ctx := context.Background()
	if _, err := f.circuit.ReadConfiguration(ctx); err != nil {
		t.Fatalf("ReadConfiguration() error = %v", err)
	}
	if _, err := f.circuit.UpdateVariables(ctx, []VariableEdit{{MessageName: "FlowTemp", Keep: boolPtr(true)}}); err != nil {
		t.Fatalf("UpdateVariables() error = %v", err)
	}

	f.circuit.Start(ctx)
	defer f.circuit.Stop()

	ok := waitFor(t, 2*time.Second, func() bool {
		return len(f.mqtt.PublishedTo("ebusd/bai/FlowTemp/get")) >= 2
	})
	if !ok {
		t.Error("refresh did not request kept values")
	}
	if f.circuit.Health().Status != StatusActive {
		t.Errorf("Status = %v, want active", f.circuit.Health().Status)
	}

	f.circuit.Stop()
	f.circuit.Stop()
}
