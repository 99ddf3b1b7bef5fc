package ebusd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Circuit operation constants.
const (
	// fetchTimeout bounds a full catalog fetch including validation.
	fetchTimeout = 15 * time.Second

	// readAllTimeout bounds ReadCurrentValues across all messages.
	readAllTimeout = 2 * time.Minute

	// readConcurrency limits parallel current-value requests to the gateway.
	readConcurrency = 4
)

// GatewayClient is the HTTP side of ebusd used by a circuit.
type GatewayClient interface {
	Prober
	FetchConfiguration(ctx context.Context, circuit string) ([]byte, error)
	FetchCurrentValue(ctx context.Context, circuit, message string) (Payload, error)
	ListCircuits(ctx context.Context) ([]string, error)
}

// ValueSink receives the decoded values of kept messages.
type ValueSink interface {
	WriteValues(circuit string, d MessageDecode, at time.Time)
}

// CircuitConfig configures one managed circuit.
type CircuitConfig struct {
	Name string

	// UpdateInterval is how often all kept messages are requested while
	// the circuit is active. Zero disables the refresh.
	UpdateInterval time.Duration

	// AutoFetch reads the message configuration from the gateway the
	// first time the circuit becomes active without a stored one.
	AutoFetch bool
}

// circuitDeps are the collaborators a circuit shares with its bridge.
type circuitDeps struct {
	host      string
	port      string
	topics    Topics
	codec     *Codec
	gateway   GatewayClient
	validator *CatalogValidator
	repo      Repository
	mqtt      MQTTClient
	backoff   Backoff
	metrics   *Metrics
	counters  *counters
	sinks     []ValueSink
	logger    Logger
}

// Circuit is the runtime of one managed ebusd circuit.
//
// The message set is replaced wholesale on each fetch; decoders take the
// current pointer once and never observe a partial update.
//
// Thread Safety: All methods are safe for concurrent use.
type Circuit struct {
	name string
	cfg  CircuitConfig
	deps circuitDeps

	setMu sync.RWMutex
	set   *MessageSet

	// varMu serialises changes to the variable list and poll priorities.
	varMu      sync.Mutex
	stored     VariableList
	cache      VariableCache
	priorities PollPriorities

	valuesMu   sync.RWMutex
	lastValues map[string]StateMessage

	statusMu  sync.RWMutex
	health    HealthResult
	checkedAt time.Time
	signal    bool
	retry     time.Duration

	checkNow chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newCircuit(cfg CircuitConfig, deps circuitDeps) *Circuit {
	cfg.Name = strings.ToLower(strings.TrimSpace(cfg.Name))
	if deps.counters == nil {
		deps.counters = &counters{}
	}
	if deps.codec == nil {
		deps.codec = NewCodec(NewDefaultTypeRegistry(), DefaultLabelOptions())
	}
	if deps.backoff == (Backoff{}) {
		deps.backoff = DefaultBackoff()
	}
	return &Circuit{
		name:       cfg.Name,
		cfg:        cfg,
		deps:       deps,
		priorities: PollPriorities{},
		lastValues: make(map[string]StateMessage),
		health:     healthResult(StatusInactive, "not checked"),
		signal:     true,
		checkNow:   make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Name returns the lower-cased circuit name.
func (c *Circuit) Name() string { return c.name }

// Config returns the circuit configuration.
func (c *Circuit) Config() CircuitConfig { return c.cfg }

// MessageSet returns the current message set, or nil before the first fetch.
func (c *Circuit) MessageSet() *MessageSet {
	c.setMu.RLock()
	defer c.setMu.RUnlock()
	return c.set
}

func (c *Circuit) swapMessageSet(set *MessageSet) {
	c.setMu.Lock()
	c.set = set
	c.setMu.Unlock()
	c.deps.metrics.revision(c.name, set.Revision())
}

// Health returns the last health evaluation.
func (c *Circuit) Health() CircuitHealth {
	c.statusMu.RLock()
	h := c.health
	checked := c.checkedAt
	signal := c.signal
	retry := c.retry
	c.statusMu.RUnlock()

	out := CircuitHealth{
		Circuit:   c.name,
		Status:    h.Status,
		Code:      h.Code,
		Reason:    h.Reason,
		Signal:    signal,
		CheckedAt: checked,
	}
	if retry > 0 {
		out.NextCheck = retry.String()
	}
	if set := c.MessageSet(); set != nil {
		out.Messages = set.Len()
		out.Revision = set.Revision()
	}
	out.Kept = len(c.Variables().Kept())
	return out
}

// Load restores the persisted message set, variable list and poll
// priorities. Missing state is not an error.
func (c *Circuit) Load(ctx context.Context) error {
	if c.deps.repo == nil {
		return nil
	}

	set, err := c.deps.repo.LoadMessageSet(ctx, c.name)
	switch {
	case errors.Is(err, ErrNoConfiguration):
	case err != nil:
		return fmt.Errorf("loading message set: %w", err)
	default:
		c.swapMessageSet(set)
	}

	list, err := c.deps.repo.LoadVariables(ctx, c.name)
	if err != nil {
		return fmt.Errorf("loading variables: %w", err)
	}
	prios, err := c.deps.repo.LoadPollPriorities(ctx, c.name)
	if err != nil {
		return fmt.Errorf("loading poll priorities: %w", err)
	}

	c.varMu.Lock()
	c.stored = list
	c.priorities = prios
	c.cache.Invalidate()
	c.varMu.Unlock()
	return nil
}

// ReadConfiguration fetches the circuit catalog from the gateway,
// replaces the message set and regenerates the variable list, carrying
// keep and poll priority forward.
func (c *Circuit) ReadConfiguration(ctx context.Context) (*MessageSet, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	doc, err := c.deps.gateway.FetchConfiguration(ctx, c.name)
	if err != nil {
		return nil, err
	}
	if c.deps.validator != nil {
		if err := c.deps.validator.ValidateCircuit(doc, c.name); err != nil {
			return nil, err
		}
	}
	raw, err := ParseCircuitMessages(doc, c.name)
	if err != nil {
		return nil, err
	}

	defs := BuildMessages(raw)

	// varMu serialises fetches, so each one takes a distinct revision.
	c.varMu.Lock()
	defer c.varMu.Unlock()

	var rev uint64 = 1
	if prev := c.MessageSet(); prev != nil {
		rev = prev.Revision() + 1
	}
	set := NewMessageSet(c.name, rev, time.Now().UTC(), defs)

	list, skipped := BuildVariableList(set, c.stored, c.deps.codec.Labels())
	for _, name := range skipped {
		c.logDebug("message without fields skipped", "circuit", c.name, "message", name)
	}

	if c.deps.repo != nil {
		if err := c.deps.repo.SaveMessageSet(ctx, set); err != nil {
			return nil, err
		}
		if err := c.deps.repo.SaveVariables(ctx, c.name, list); err != nil {
			return nil, err
		}
	}

	c.swapMessageSet(set)
	c.stored = list
	c.cache.Put(set.Revision(), list)

	c.logInfo("message configuration read",
		"circuit", c.name,
		"messages", set.Len(),
		"variables", len(list),
		"revision", set.Revision())
	return set, nil
}

// Variables returns the variable list derived from the current message
// set. Before the first fetch it returns the stored list.
func (c *Circuit) Variables() VariableList {
	set := c.MessageSet()

	c.varMu.Lock()
	defer c.varMu.Unlock()
	return c.variablesLocked(set)
}

func (c *Circuit) variablesLocked(set *MessageSet) VariableList {
	if set == nil {
		return c.stored.Clone()
	}
	if list, ok := c.cache.Get(set.Revision()); ok {
		return list
	}
	list, _ := BuildVariableList(set, c.stored, c.deps.codec.Labels())
	c.cache.Put(set.Revision(), list)
	return list
}

// PollPriorities returns the currently published poll priorities.
func (c *Circuit) PollPriorities() PollPriorities {
	c.varMu.Lock()
	defer c.varMu.Unlock()
	return c.priorities.Clone()
}

// UpdateVariables applies operator edits, publishes the resulting poll
// priority changes and persists the list.
func (c *Circuit) UpdateVariables(ctx context.Context, edits []VariableEdit) (VariableList, error) {
	set := c.MessageSet()

	c.varMu.Lock()
	defer c.varMu.Unlock()

	current := c.variablesLocked(set)
	list, err := ApplyEdits(current, edits)
	if err != nil {
		return nil, err
	}

	next := list.PollPriorities()
	diff := DiffPollPriorities(c.priorities, next)
	if !diff.Empty() {
		if err := c.publishPollCommands(diff); err != nil {
			return nil, err
		}
	}

	if c.deps.repo != nil {
		if err := c.deps.repo.SaveVariables(ctx, c.name, list); err != nil {
			return nil, err
		}
		if !diff.Empty() {
			if err := c.deps.repo.SavePollPriorities(ctx, c.name, next); err != nil {
				return nil, err
			}
		}
	}

	c.stored = list
	c.priorities = next
	if set != nil {
		c.cache.Put(set.Revision(), list)
	}
	return list.Clone(), nil
}

// PublishPollPriorities republishes every stored poll priority.
func (c *Circuit) PublishPollPriorities() (int, error) {
	c.varMu.Lock()
	prios := c.priorities.Clone()
	c.varMu.Unlock()

	diff := DiffPollPriorities(PollPriorities{}, prios)
	if err := c.publishPollCommands(diff); err != nil {
		return 0, err
	}
	return len(diff.Changed), nil
}

func (c *Circuit) publishPollCommands(diff PriorityDiff) error {
	if !c.deps.mqtt.IsConnected() {
		return ErrNotConnected
	}
	cmds := diff.Commands()
	c.logDebug("publishing poll priorities",
		"circuit", c.name,
		"changed", len(diff.Changed),
		"removed", len(diff.Removed))

	for _, cmd := range cmds {
		topic := c.deps.topics.Get(c.name, cmd.Message)
		if err := c.deps.mqtt.Publish(topic, []byte(cmd.Payload()), 0, false); err != nil {
			return fmt.Errorf("publishing %s: %w", topic, err)
		}
		c.deps.counters.polls.Add(1)
	}
	c.deps.metrics.pollCommandsPublished(c.name, len(cmds))
	return nil
}

// RequestAllValues publishes an empty get for every kept, readable
// message and returns how many were requested.
func (c *Circuit) RequestAllValues() (int, error) {
	if !c.deps.mqtt.IsConnected() {
		return 0, ErrNotConnected
	}
	n := 0
	for _, name := range c.Variables().Kept() {
		if err := c.deps.mqtt.Publish(c.deps.topics.Get(c.name, name), []byte{}, 0, false); err != nil {
			return n, fmt.Errorf("requesting %s: %w", name, err)
		}
		n++
	}
	return n, nil
}

// ReadCurrentValues fetches the current value of every readable message
// over HTTP and returns the variable list with ReadValues filled in.
// Failed reads leave ReadValues empty.
func (c *Circuit) ReadCurrentValues(ctx context.Context) (VariableList, int, error) {
	set := c.MessageSet()
	if set == nil {
		return nil, 0, ErrNoConfiguration
	}
	list := c.Variables()

	ctx, cancel := context.WithTimeout(ctx, readAllTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)

	read := 0
	for i := range list {
		if !list[i].Readable {
			continue
		}
		read++
		i := i
		g.Go(func() error {
			list[i].ReadValues = c.readCurrentValue(gctx, set, list[i].MessageName)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return list, read, err
	}
	return list, read, nil
}

func (c *Circuit) readCurrentValue(ctx context.Context, set *MessageSet, name string) string {
	msg, ok := set.Get(name)
	if !ok {
		return ""
	}
	payload, err := c.deps.gateway.FetchCurrentValue(ctx, c.name, name)
	if err != nil {
		c.logDebug("current value not read", "circuit", c.name, "message", name, "error", err)
		return ""
	}
	d, err := c.deps.codec.DecodeMessage(msg, payload, true)
	if err != nil {
		c.logWarn("current value not decoded", "circuit", c.name, "message", name, "error", err)
		return ""
	}
	parts := make([]string, 0, len(d.Values))
	for _, v := range d.Values {
		parts = append(parts, toString(v.Value))
	}
	return strings.Join(parts, "/")
}

// SetValue encodes value for message and publishes it on the set topic.
// It returns the published payload.
func (c *Circuit) SetValue(message string, value any) (payload string, err error) {
	defer func() {
		c.deps.counters.sets.Add(1)
		if err != nil {
			c.deps.counters.setErrors.Add(1)
		}
		c.deps.metrics.setCommand(c.name, err)
	}()

	set := c.MessageSet()
	if set == nil {
		return "", ErrNoConfiguration
	}
	msg, ok := set.Get(message)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMessageNotFound, message)
	}
	if !msg.Write {
		return "", fmt.Errorf("%w: %s", ErrNotWritable, message)
	}

	payload, err = c.deps.codec.EncodePayload(msg, value)
	switch {
	case errors.Is(err, ErrNoPrimaryField):
		c.logWarn("set without primary field, sending empty payload", "circuit", c.name, "message", message)
		payload, err = "", nil
	case err != nil:
		return "", err
	}

	if !c.deps.mqtt.IsConnected() {
		return "", ErrNotConnected
	}
	topic := c.deps.topics.Set(c.name, message)
	if err := c.deps.mqtt.Publish(topic, []byte(payload), 0, false); err != nil {
		return "", fmt.Errorf("publishing %s: %w", topic, err)
	}
	c.logInfo("value set", "circuit", c.name, "message", message, "payload", payload)
	return payload, nil
}

// LastValues returns the last decoded state of every kept message that
// has reported since start.
func (c *Circuit) LastValues() []StateMessage {
	c.valuesMu.RLock()
	defer c.valuesMu.RUnlock()

	out := make([]StateMessage, 0, len(c.lastValues))
	for _, name := range sortedStateKeys(c.lastValues) {
		out = append(out, c.lastValues[name])
	}
	return out
}

// HandleMessage processes an inbound broadcast on the circuit's topic
// tree. Topics and messages that are not tracked return nil.
func (c *Circuit) HandleMessage(topic string, payload []byte) error {
	name, ok := c.deps.topics.MessageFromTopic(c.name, topic)
	if !ok {
		return nil
	}
	c.deps.counters.received.Add(1)
	c.deps.metrics.messageReceived(c.name)

	if !json.Valid(payload) {
		c.deps.counters.skipped.Add(1)
		return fmt.Errorf("%w: topic %s is not JSON", ErrInvalidPayload, topic)
	}

	set := c.MessageSet()
	if set == nil {
		c.deps.counters.skipped.Add(1)
		return ErrNoConfiguration
	}
	msg, ok := set.Get(name)
	if !ok {
		c.deps.counters.skipped.Add(1)
		return fmt.Errorf("%w: %s", ErrMessageNotFound, name)
	}

	entry, ok := c.Variables().Find(name)
	if !ok || !entry.Keep {
		c.deps.counters.skipped.Add(1)
		c.logDebug("message not kept", "circuit", c.name, "message", name)
		return nil
	}

	p, err := ParsePayload(payload)
	if err != nil {
		c.deps.counters.decodeErrors.Add(1)
		return err
	}
	d, err := c.deps.codec.DecodeMessage(msg, p, false)
	if err != nil {
		c.deps.counters.decodeErrors.Add(1)
		return err
	}
	c.deps.metrics.decoded(c.name, d)
	for _, issue := range d.Issues {
		c.logDebug("field issue", "circuit", c.name, "issue", issue.Error(), "class", string(issue.Class))
	}

	c.apply(d)
	return nil
}

// apply records, publishes and forwards a decoded message.
func (c *Circuit) apply(d MessageDecode) {
	state := NewStateMessage(c.name, d)
	if len(state.Values) == 0 {
		return
	}
	c.deps.counters.applied.Add(1)

	c.valuesMu.Lock()
	c.lastValues[d.Message] = state
	c.valuesMu.Unlock()

	if data, err := json.Marshal(state); err == nil {
		if err := c.deps.mqtt.Publish(c.deps.topics.State(c.name, d.Message), data, 1, true); err != nil {
			c.logWarn("state publish failed", "circuit", c.name, "message", d.Message, "error", err)
		}
	}

	for _, sink := range c.deps.sinks {
		sink.WriteValues(c.name, d, state.Timestamp)
	}
}

// HandleSignal applies a global signal broadcast. An unparsable payload
// counts as signal present. A change triggers a health check.
func (c *Circuit) HandleSignal(payload []byte) {
	var v any = strings.TrimSpace(string(payload))
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err == nil {
		v = normalizeJSONValue(decoded)
	}
	signal, ok := ParseBoolish(v)
	if !ok {
		signal = true
	}

	c.statusMu.Lock()
	changed := signal != c.signal
	c.signal = signal
	c.statusMu.Unlock()

	if changed {
		c.logInfo("bus signal changed", "circuit", c.name, "signal", signal)
		c.TriggerCheck()
	}
}

// TriggerCheck schedules an immediate health check.
func (c *Circuit) TriggerCheck() {
	select {
	case c.checkNow <- struct{}{}:
	default:
	}
}

// Check evaluates the circuit health and updates the retry delay. On a
// transition to active the stored poll priorities are republished.
func (c *Circuit) Check(ctx context.Context) HealthResult {
	c.statusMu.RLock()
	signal := c.signal
	prev := c.health.Status
	prevRetry := c.retry
	c.statusMu.RUnlock()

	res := EvaluateHealth(ctx, HealthInput{
		Host:               c.deps.host,
		Port:               c.deps.port,
		Circuit:            c.name,
		TransportConnected: c.deps.mqtt.IsConnected(),
		SignalPresent:      signal,
	}, c.deps.gateway)

	retry := c.deps.backoff.Next(prevRetry, res.Status)

	c.statusMu.Lock()
	c.health = res
	c.checkedAt = time.Now().UTC()
	c.retry = retry
	c.statusMu.Unlock()
	c.deps.metrics.healthChecked(c.name, res.Status)

	if res.Status != prev {
		c.logInfo("circuit status changed",
			"circuit", c.name,
			"status", res.Status.String(),
			"code", res.Code,
			"reason", res.Reason)
	}
	if retry > 0 {
		c.logDebug("next connection check", "circuit", c.name, "in", retry.String())
	}

	if res.Status == StatusActive && prev != StatusActive {
		c.onActive(ctx)
	}
	return res
}

func (c *Circuit) onActive(ctx context.Context) {
	if c.cfg.AutoFetch && c.MessageSet() == nil {
		if _, err := c.ReadConfiguration(ctx); err != nil {
			c.logError("automatic configuration read failed", err)
		}
	}
	if n, err := c.PublishPollPriorities(); err != nil {
		c.logError("publishing poll priorities failed", err)
	} else if n > 0 {
		c.logInfo("poll priorities published", "circuit", c.name, "count", n)
	}
}

// Start runs the circuit loop: health checks with backoff while not
// active, and the value refresh while active.
func (c *Circuit) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop ends the circuit loop. Safe to call multiple times.
func (c *Circuit) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}

func (c *Circuit) run(ctx context.Context) {
	defer c.wg.Done()

	check := time.NewTimer(0)
	defer check.Stop()

	var (
		refresh  *time.Ticker
		refreshC <-chan time.Time
	)
	stopRefresh := func() {
		if refresh != nil {
			refresh.Stop()
			refresh = nil
			refreshC = nil
		}
	}
	defer stopRefresh()

	runCheck := func() {
		res := c.Check(ctx)
		if res.Status == StatusActive {
			if refresh == nil && c.cfg.UpdateInterval > 0 {
				refresh = time.NewTicker(c.cfg.UpdateInterval)
				refreshC = refresh.C
			}
			return
		}
		stopRefresh()
		c.statusMu.RLock()
		retry := c.retry
		c.statusMu.RUnlock()
		check.Reset(retry)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-check.C:
			runCheck()
		case <-c.checkNow:
			if !check.Stop() {
				select {
				case <-check.C:
				default:
				}
			}
			runCheck()
		case <-refreshC:
			if n, err := c.RequestAllValues(); err != nil {
				c.logError("refresh failed", err)
			} else {
				c.logDebug("values requested", "circuit", c.name, "count", n)
			}
		}
	}
}

func (c *Circuit) logInfo(msg string, keysAndValues ...any) {
	if c.deps.logger != nil {
		c.deps.logger.Info(msg, keysAndValues...)
	}
}

func (c *Circuit) logWarn(msg string, keysAndValues ...any) {
	if c.deps.logger != nil {
		c.deps.logger.Warn(msg, keysAndValues...)
	}
}

func (c *Circuit) logError(msg string, err error) {
	if c.deps.logger != nil {
		c.deps.logger.Error(msg, "circuit", c.name, "error", err)
	}
}

func (c *Circuit) logDebug(msg string, keysAndValues ...any) {
	if c.deps.logger != nil {
		c.deps.logger.Debug(msg, keysAndValues...)
	}
}

func sortedStateKeys(m map[string]StateMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
