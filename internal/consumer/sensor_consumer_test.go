package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"eldercare-alert/internal/classifier"
	"eldercare-alert/internal/clock"
	"eldercare-alert/internal/models"
	"eldercare-alert/pkg/mqtt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSubscriber struct {
	mu           sync.Mutex
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
}

func (f *fakeSubscriber) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]mqtt.MessageHandler)
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeSubscriber) Unsubscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topics...)
	for _, t := range topics {
		delete(f.handlers, t)
	}
	return nil
}

func (f *fakeSubscriber) handler(topic string) mqtt.MessageHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

type manualTrigger struct {
	kind   models.AlertKind
	detail string
}

type fakeActions struct {
	mu        sync.Mutex
	triggers  []manualTrigger
	cancels   int
	resolved  []string
	resolveFn func(alertID string) error
}

func (f *fakeActions) OnManualTrigger(ctx context.Context, kind models.AlertKind, subjectID, subjectName, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, manualTrigger{kind: kind, detail: detail})
}

func (f *fakeActions) Cancel(subjectID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return true
}

func (f *fakeActions) Resolve(ctx context.Context, subjectID, alertID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, alertID)
	if f.resolveFn != nil {
		return f.resolveFn(alertID)
	}
	return nil
}

type fakeSettings struct {
	mu      sync.Mutex
	current models.ElderSettings
}

func (f *fakeSettings) Settings() models.ElderSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeSettings) UpdateSettings(ctx context.Context, s models.ElderSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = s
	return nil
}

type sensorFixture struct {
	consumer *SensorConsumer
	sub      *fakeSubscriber
	actions  *fakeActions
	settings *fakeSettings
	motion   *classifier.MotionClassifier
	clock    *clock.Fake
}

func newSensorFixture(t *testing.T, settings models.ElderSettings) *sensorFixture {
	t.Helper()
	f := &sensorFixture{
		sub:      &fakeSubscriber{},
		actions:  &fakeActions{},
		settings: &fakeSettings{current: settings},
		motion:   classifier.NewMotionClassifier(classifier.DefaultMotionConfig(), zap.NewNop()),
		clock:    clock.NewFake(time.UnixMilli(0)),
	}
	sound := classifier.NewSoundClassifier(classifier.SoundConfig{BufferSize: 4, Threshold: 20000, DebounceMs: 30000}, zap.NewNop())
	f.consumer = NewSensorConsumer(
		SensorConfig{SubjectID: "elder-1", SubjectName: "Grandma", QoS: 1, ImmobilityTick: time.Hour},
		f.sub, f.motion, sound, f.actions, f.settings, f.clock, zap.NewNop(),
	)
	return f
}

// start 在后台运行 Start 并等待订阅完成
func (f *sensorFixture) start(t *testing.T) (mqtt.MessageHandler, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = f.consumer.Start(ctx) }()

	topic := mqtt.SubjectTopic("elder-1", "+")
	require.Eventually(t, func() bool { return f.sub.handler(topic) != nil }, time.Second, 5*time.Millisecond)
	return f.sub.handler(topic), cancel
}

func publish(t *testing.T, h mqtt.MessageHandler, suffix string, v any) error {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	return h(mqtt.SubjectTopic("elder-1", suffix), payload)
}

func accelAt(magnitude float64, atMs int64) models.AccelSample {
	return models.AccelSample{Z: magnitude, AtMs: atMs}
}

// publishFall 自由落体 500ms 后撞击，撞击时刻为 700ms
func publishFall(t *testing.T, h mqtt.MessageHandler) {
	t.Helper()
	samples := []models.AccelSample{accelAt(9.8, 0), accelAt(9.8, 100)}
	for at := int64(200); at < 700; at += 100 {
		samples = append(samples, accelAt(3.0, at))
	}
	samples = append(samples, accelAt(35.0, 700))
	for _, s := range samples {
		require.NoError(t, publish(t, h, mqtt.SuffixAccel, s))
	}
}

func TestSensorConsumer_FallThroughMQTT(t *testing.T) {
	f := newSensorFixture(t, models.ElderSettings{FallDetectionEnabled: true})
	h, cancel := f.start(t)
	defer cancel()

	publishFall(t, h)
	require.NoError(t, publish(t, h, mqtt.SuffixAccel, accelAt(9.8, 3800)))

	select {
	case ev := <-f.consumer.Events():
		assert.Equal(t, models.CandidateFall, ev.Kind)
		assert.Equal(t, "elder-1", ev.SubjectID)
		assert.Equal(t, int64(3800), ev.DetectedAtMs)
	case <-time.After(time.Second):
		t.Fatal("expected fall candidate")
	}
}

func TestSensorConsumer_ImmobilityTickWithoutSamples(t *testing.T) {
	f := newSensorFixture(t, models.ElderSettings{FallDetectionEnabled: true})
	h, cancel := f.start(t)
	defer cancel()

	publishFall(t, h)

	f.clock.Advance(3 * time.Second)
	f.consumer.checkImmobility()
	assert.Empty(t, f.consumer.Events())

	f.clock.Advance(700 * time.Millisecond)
	f.consumer.checkImmobility()
	require.Len(t, f.consumer.Events(), 1)
	ev := <-f.consumer.Events()
	assert.Equal(t, int64(3700), ev.DetectedAtMs)
}

func TestSensorConsumer_DisabledDetectionIgnoresSamples(t *testing.T) {
	f := newSensorFixture(t, models.ElderSettings{})
	h, cancel := f.start(t)
	defer cancel()

	publishFall(t, h)
	require.NoError(t, publish(t, h, mqtt.SuffixAccel, accelAt(9.8, 3800)))
	for i := 0; i < 4; i++ {
		require.NoError(t, publish(t, h, mqtt.SuffixSound, models.AmplitudeSample{Value: 30000, AtMs: int64(i * 10)}))
	}

	assert.Equal(t, classifier.StateIdle, f.motion.State())
	assert.Empty(t, f.consumer.Events())
}

func TestSensorConsumer_LoudSound(t *testing.T) {
	f := newSensorFixture(t, models.ElderSettings{SoundDetectionEnabled: true})
	h, cancel := f.start(t)
	defer cancel()

	for i := 0; i < 4; i++ {
		require.NoError(t, publish(t, h, mqtt.SuffixSound, models.AmplitudeSample{Value: 30000, AtMs: int64(i * 10)}))
	}

	require.Len(t, f.consumer.Events(), 1)
	ev := <-f.consumer.Events()
	assert.Equal(t, models.CandidateLoudSound, ev.Kind)
}

func TestSensorConsumer_UnavailableSensor(t *testing.T) {
	f := newSensorFixture(t, models.ElderSettings{FallDetectionEnabled: true})
	h, cancel := f.start(t)
	defer cancel()

	require.NoError(t, publish(t, h, mqtt.SuffixAccel, map[string]any{"unavailable": true}))
	assert.ErrorIs(t, f.motion.Available(), classifier.ErrSensorUnavailable)

	publishFall(t, h)
	require.NoError(t, publish(t, h, mqtt.SuffixAccel, accelAt(9.8, 3800)))
	assert.Empty(t, f.consumer.Events())
}

func TestSensorConsumer_ManualActions(t *testing.T) {
	f := newSensorFixture(t, models.ElderSettings{})
	h, cancel := f.start(t)
	defer cancel()

	// 未指定类型时默认为 SOS
	require.NoError(t, publish(t, h, mqtt.SuffixTrigger, map[string]string{}))
	require.NoError(t, publish(t, h, mqtt.SuffixTrigger, map[string]string{"kind": "APPOINTMENT_BOOKED", "detail": "Dr. Rao"}))
	assert.Error(t, publish(t, h, mqtt.SuffixTrigger, map[string]string{"kind": "NOPE"}))

	require.Len(t, f.actions.triggers, 2)
	assert.Equal(t, models.AlertKindPanicButton, f.actions.triggers[0].kind)
	assert.Equal(t, models.AlertKindAppointmentBooked, f.actions.triggers[1].kind)
	assert.Equal(t, "Dr. Rao", f.actions.triggers[1].detail)

	require.NoError(t, publish(t, h, mqtt.SuffixConfirm, map[string]bool{"safe": false}))
	assert.Equal(t, 0, f.actions.cancels)
	require.NoError(t, publish(t, h, mqtt.SuffixConfirm, map[string]bool{"safe": true}))
	assert.Equal(t, 1, f.actions.cancels)

	require.NoError(t, publish(t, h, mqtt.SuffixResolve, map[string]string{"alert_id": "a1"}))
	assert.Error(t, publish(t, h, mqtt.SuffixResolve, map[string]string{}))
	f.actions.resolveFn = func(string) error { return errors.New("boom") }
	assert.Error(t, publish(t, h, mqtt.SuffixResolve, map[string]string{"alert_id": "a2"}))
	assert.Equal(t, []string{"a1", "a2"}, f.actions.resolved)

	require.NoError(t, publish(t, h, mqtt.SuffixSettings, models.ElderSettings{FallDetectionEnabled: true}))
	assert.True(t, f.settings.Settings().FallDetectionEnabled)
}

func TestSensorConsumer_RejectsForeignTopics(t *testing.T) {
	f := newSensorFixture(t, models.ElderSettings{FallDetectionEnabled: true})
	h, cancel := f.start(t)
	defer cancel()

	assert.Error(t, h("eldercare/elder-2/accel", []byte(`{"z":9.8}`)))
	assert.Error(t, h("eldercare/elder-1/unknown", []byte(`{}`)))
	assert.Error(t, h("eldercare/elder-1/accel", []byte(`not json`)))
}

func TestSensorConsumer_StopUnsubscribesAndClosesEvents(t *testing.T) {
	f := newSensorFixture(t, models.ElderSettings{FallDetectionEnabled: true})
	h, cancel := f.start(t)
	defer cancel()

	f.consumer.Stop()
	f.consumer.Stop()

	assert.Equal(t, []string{mqtt.SubjectTopic("elder-1", "+")}, f.sub.unsubscribed)
	_, open := <-f.consumer.Events()
	assert.False(t, open)

	// 停止后到达的消息被忽略
	assert.ErrorIs(t, publish(t, h, mqtt.SuffixAccel, accelAt(9.8, 100)), ErrConsumerStopped)
}
