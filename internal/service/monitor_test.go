package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"eldercare-alert/internal/clock"
	"eldercare-alert/internal/config"
	"eldercare-alert/internal/models"
	"eldercare-alert/internal/producer"
	"eldercare-alert/internal/settings"
	"eldercare-alert/internal/store"
	"eldercare-alert/pkg/mqtt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	topic   string
	payload []byte
}

type fakeBus struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published []published
}

func (b *fakeBus) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string]mqtt.MessageHandler)
	}
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBus) Unsubscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.handlers, t)
	}
	return nil
}

func (b *fakeBus) Publish(topic string, qos byte, retained bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{topic: topic, payload: payload})
	return nil
}

func (b *fakeBus) handler(topic string) mqtt.MessageHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[topic]
}

func (b *fakeBus) countdownPhases() []producer.CountdownPhase {
	b.mu.Lock()
	defer b.mu.Unlock()
	var phases []producer.CountdownPhase
	for _, p := range b.published {
		var update producer.CountdownUpdate
		if json.Unmarshal(p.payload, &update) == nil {
			phases = append(phases, update.Phase)
		}
	}
	return phases
}

type staticObservers struct {
	ids []string
}

func (o *staticObservers) ApprovedObserversOf(ctx context.Context, subjectID string) ([]string, error) {
	return o.ids, nil
}

type monitorFixture struct {
	service *MonitorService
	bus     *fakeBus
	store   *store.MemoryStore
	clock   *clock.Fake
	handler mqtt.MessageHandler
	cancel  context.CancelFunc
}

func newMonitorFixture(t *testing.T, initial models.ElderSettings) *monitorFixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.MQTT.QoS = 1
	cfg.Monitor.SubjectID = "elder-1"
	cfg.Monitor.SubjectName = "Asha"
	cfg.Monitor.ConfirmationWindow = 15 * time.Second
	cfg.Monitor.LocationTimeout = 5 * time.Second
	cfg.Monitor.ImmobilityTick = time.Hour
	cfg.Monitor.SoundBufferSize = 4

	settingsStore, err := settings.NewFileStore(filepath.Join(t.TempDir(), "settings.yaml"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, settingsStore.Save(initial))

	clk := clock.NewFake(time.UnixMilli(0))
	memStore := store.NewMemoryStore(clk)
	bus := &fakeBus{}

	observers := &staticObservers{ids: []string{"obs-1"}}
	svc := NewMonitorService(cfg, memStore, nil, bus, observers, settingsStore, clk, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = svc.Start(ctx) }()

	topic := mqtt.SubjectTopic("elder-1", "+")
	require.Eventually(t, func() bool { return bus.handler(topic) != nil }, time.Second, 5*time.Millisecond)

	f := &monitorFixture{
		service: svc,
		bus:     bus,
		store:   memStore,
		clock:   clk,
		handler: bus.handler(topic),
		cancel:  cancel,
	}
	t.Cleanup(func() {
		svc.Stop()
		cancel()
	})
	return f
}

func (f *monitorFixture) send(t *testing.T, suffix string, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, f.handler(mqtt.SubjectTopic("elder-1", suffix), payload))
}

// sendFall 自由落体 200..700ms，700ms 撞击，3800ms 静止窗口结束
func (f *monitorFixture) sendFall(t *testing.T) {
	t.Helper()
	samples := []models.AccelSample{{Z: 9.8, AtMs: 0}, {Z: 9.8, AtMs: 100}}
	for at := int64(200); at < 700; at += 100 {
		samples = append(samples, models.AccelSample{Z: 3.0, AtMs: at})
	}
	samples = append(samples,
		models.AccelSample{Z: 35.0, AtMs: 700},
		models.AccelSample{Z: 9.8, AtMs: 3800},
	)
	for _, s := range samples {
		f.send(t, mqtt.SuffixAccel, s)
	}
}

func (f *monitorFixture) history(t *testing.T) []models.Alert {
	t.Helper()
	alerts, err := f.store.History(context.Background(), []string{"elder-1"}, 0)
	require.NoError(t, err)
	return alerts
}

func TestMonitor_FallConfirmedAfterCountdown(t *testing.T) {
	f := newMonitorFixture(t, models.ElderSettings{FallDetectionEnabled: true})

	f.sendFall(t)
	require.Eventually(t, func() bool { return f.service.Producer().Pending("elder-1") }, time.Second, 5*time.Millisecond)

	f.clock.Advance(14 * time.Second)
	assert.Empty(t, f.history(t))

	f.clock.Advance(time.Second)
	alerts := f.history(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertKindFallDetected, alerts[0].Kind)
	assert.Equal(t, models.AlertStatusPending, alerts[0].Status)
	assert.Equal(t, "Asha", alerts[0].SubjectDisplayName)
	assert.Nil(t, alerts[0].Location)

	phases := f.bus.countdownPhases()
	require.NotEmpty(t, phases)
	assert.Equal(t, producer.PhaseStarted, phases[0])
	assert.Equal(t, producer.PhaseExpired, phases[len(phases)-1])
}

func TestMonitor_ImOkayCancelsCountdown(t *testing.T) {
	f := newMonitorFixture(t, models.ElderSettings{FallDetectionEnabled: true})

	f.sendFall(t)
	require.Eventually(t, func() bool { return f.service.Producer().Pending("elder-1") }, time.Second, 5*time.Millisecond)

	f.clock.Advance(5 * time.Second)
	f.send(t, mqtt.SuffixConfirm, map[string]bool{"safe": true})
	f.clock.Advance(20 * time.Second)

	assert.Empty(t, f.history(t))
	assert.Contains(t, f.bus.countdownPhases(), producer.PhaseCancelled)
}

func TestMonitor_PanicButtonWritesImmediately(t *testing.T) {
	f := newMonitorFixture(t, models.ElderSettings{})

	f.send(t, mqtt.SuffixTrigger, map[string]string{"kind": "PANIC_BUTTON"})

	alerts := f.history(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertKindPanicButton, alerts[0].Kind)
}

func TestMonitor_SubjectResolvesAlert(t *testing.T) {
	f := newMonitorFixture(t, models.ElderSettings{})

	f.send(t, mqtt.SuffixTrigger, map[string]string{"kind": "MANUAL"})
	alerts := f.history(t)
	require.Len(t, alerts, 1)

	f.send(t, mqtt.SuffixResolve, map[string]string{"alert_id": alerts[0].ID})

	got, err := f.store.Get(context.Background(), alerts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, got.Status)
	assert.Equal(t, "elder-1", got.HandledBy)
}

func TestMonitor_StopCancelsPendingCountdown(t *testing.T) {
	f := newMonitorFixture(t, models.ElderSettings{FallDetectionEnabled: true})

	f.sendFall(t)
	require.Eventually(t, func() bool { return f.service.Producer().Pending("elder-1") }, time.Second, 5*time.Millisecond)

	f.service.Stop()
	assert.False(t, f.service.Producer().Pending("elder-1"))

	f.clock.Advance(30 * time.Second)
	assert.Empty(t, f.history(t))
}

func TestMonitor_DisablingFallDetectionResetsClassifier(t *testing.T) {
	f := newMonitorFixture(t, models.ElderSettings{FallDetectionEnabled: true})

	// 撞击后关闭检测，再打开，静止窗口不会继续
	samples := []models.AccelSample{{Z: 9.8, AtMs: 0}}
	for at := int64(100); at < 600; at += 100 {
		samples = append(samples, models.AccelSample{Z: 3.0, AtMs: at})
	}
	samples = append(samples, models.AccelSample{Z: 35.0, AtMs: 600})
	for _, s := range samples {
		f.send(t, mqtt.SuffixAccel, s)
	}

	f.send(t, mqtt.SuffixSettings, models.ElderSettings{FallDetectionEnabled: false})
	assert.False(t, f.service.Settings().FallDetectionEnabled)
	f.send(t, mqtt.SuffixSettings, models.ElderSettings{FallDetectionEnabled: true})

	f.send(t, mqtt.SuffixAccel, models.AccelSample{Z: 9.8, AtMs: 4000})
	assert.Never(t, func() bool { return f.service.Producer().Pending("elder-1") }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestMonitor_DisablingFallDetectionCancelsCountdown(t *testing.T) {
	f := newMonitorFixture(t, models.ElderSettings{FallDetectionEnabled: true})

	f.sendFall(t)
	require.Eventually(t, func() bool { return f.service.Producer().Pending("elder-1") }, time.Second, 5*time.Millisecond)

	f.clock.Advance(5 * time.Second)
	f.send(t, mqtt.SuffixSettings, models.ElderSettings{FallDetectionEnabled: false})
	assert.False(t, f.service.Producer().Pending("elder-1"))

	f.clock.Advance(20 * time.Second)
	assert.Empty(t, f.history(t))
	assert.Contains(t, f.bus.countdownPhases(), producer.PhaseCancelled)
	assert.NotContains(t, f.bus.countdownPhases(), producer.PhaseExpired)
}
