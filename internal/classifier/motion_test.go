package classifier

import (
	"testing"

	"eldercare-alert/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMotion() *MotionClassifier {
	return NewMotionClassifier(DefaultMotionConfig(), zap.NewNop())
}

func accel(magnitude float64, atMs int64) models.AccelSample {
	return models.AccelSample{Z: magnitude, AtMs: atMs}
}

// feed 依次输入采样，返回所有产生的事件
func feed(c *MotionClassifier, samples []models.AccelSample) []*models.CandidateEvent {
	var events []*models.CandidateEvent
	for _, s := range samples {
		if ev := c.ProcessAccel(s); ev != nil {
			events = append(events, ev)
		}
	}
	return events
}

// fallSequence 在 startMs 开始自由落体，持续 durationMs 后撞击，之后每 100ms 一个 steady 采样直到 untilMs
func fallSequence(startMs, durationMs, untilMs int64, steady float64) []models.AccelSample {
	samples := []models.AccelSample{
		accel(9.8, startMs-200),
		accel(9.8, startMs-100),
	}
	for t := startMs; t < startMs+durationMs; t += 100 {
		samples = append(samples, accel(3.0, t))
	}
	samples = append(samples, accel(35.0, startMs+durationMs))
	for t := startMs + durationMs + 100; t <= untilMs; t += 100 {
		samples = append(samples, accel(steady, t))
	}
	return samples
}

func TestMotion_FreeFallImpactImmobility_EmitsOnce(t *testing.T) {
	c := newTestMotion()

	// 9.8, 9.8, 3.0 ... 35.0, 9.8 ... 自由落体 500ms 后静止 3s 以上
	events := feed(c, fallSequence(200, 500, 5000, 9.8))

	require.Len(t, events, 1)
	assert.Equal(t, models.CandidateFall, events[0].Kind)
	assert.Equal(t, models.ConfidenceHigh, events[0].Confidence)
	// 撞击在 700ms，窗口 3000ms，第一个 >= 3700 的采样触发，约为自由落体开始后 3.5s
	assert.Equal(t, int64(3700), events[0].DetectedAtMs)
	assert.Equal(t, StateIdle, c.State())
}

func TestMotion_MovementDuringImmobilityAborts(t *testing.T) {
	c := newTestMotion()

	samples := fallSequence(200, 500, 700, 9.8)
	for t := int64(800); t <= 5000; t += 100 {
		m := 9.8
		if t == 1700 { // 撞击后 1000ms
			m = 25.0
		}
		samples = append(samples, accel(m, t))
	}

	events := feed(c, samples)
	assert.Empty(t, events)
}

func TestMotion_FreeFallDurationWindow(t *testing.T) {
	cases := []struct {
		name       string
		durationMs int64
		wantFall   bool
	}{
		{name: "too short", durationMs: 200, wantFall: false},
		{name: "lower bound", durationMs: 300, wantFall: true},
		{name: "typical", durationMs: 800, wantFall: true},
		{name: "upper bound", durationMs: 2000, wantFall: true},
		{name: "too long", durationMs: 2100, wantFall: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestMotion()
			events := feed(c, fallSequence(1000, tc.durationMs, 1000+tc.durationMs+4000, 9.8))
			if tc.wantFall {
				assert.Len(t, events, 1)
			} else {
				assert.Empty(t, events)
			}
		})
	}
}

func TestMotion_ImpactSampleNotCountedAsMovement(t *testing.T) {
	c := newTestMotion()
	feed(c, fallSequence(0, 500, 500, 9.8))
	assert.Equal(t, StateConfirmingImpact, c.State())
}

func TestMotion_SampleJustBelowAbortThresholdKeepsConfirming(t *testing.T) {
	c := newTestMotion()
	threshold := DefaultMotionConfig().MovementAbortThreshold()
	assert.InDelta(t, 22.54, threshold, 1e-9)

	events := feed(c, fallSequence(0, 500, 4000, threshold-0.01))
	assert.Len(t, events, 1)
}

func TestMotion_DebounceSuppressesSecondFall(t *testing.T) {
	c := newTestMotion()

	first := feed(c, fallSequence(1000, 500, 6000, 9.8))
	require.Len(t, first, 1)

	// 第二次跌倒在 20s 后确认，仍在 30s 去抖窗口内
	second := feed(c, fallSequence(20000, 500, 25000, 9.8))
	assert.Empty(t, second)

	// 第三次在上次事件 30s 之后
	third := feed(c, fallSequence(40000, 500, 45000, 9.8))
	require.Len(t, third, 1)
	assert.Greater(t, third[0].DetectedAtMs-first[0].DetectedAtMs, int64(30000))
}

func TestMotion_NoTwoFallsWithinDebounce(t *testing.T) {
	c := newTestMotion()

	var samples []models.AccelSample
	for start := int64(1000); start < 120000; start += 4500 {
		samples = append(samples, fallSequence(start, 500, start+4200, 9.8)...)
	}
	events := feed(c, samples)

	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].DetectedAtMs-events[i-1].DetectedAtMs, int64(30000))
	}
}

func TestMotion_TickCompletesWithoutNewSamples(t *testing.T) {
	c := newTestMotion()
	feed(c, fallSequence(200, 500, 1000, 9.8))

	assert.Nil(t, c.Tick(3000))
	ev := c.Tick(3700)
	require.NotNil(t, ev)
	assert.Equal(t, int64(3700), ev.DetectedAtMs)
	assert.Nil(t, c.Tick(3800))
}

func TestMotion_GyroRaisesConfidenceOnly(t *testing.T) {
	c := newTestMotion()

	// Idle 状态下的旋转不产生任何影响
	c.ProcessGyro(models.GyroSample{X: 10, AtMs: 0})
	assert.Equal(t, StateIdle, c.State())

	samples := fallSequence(200, 500, 5000, 9.8)
	var events []*models.CandidateEvent
	for _, s := range samples {
		if s.AtMs == 400 {
			c.ProcessGyro(models.GyroSample{X: 6, AtMs: s.AtMs})
		}
		if ev := c.ProcessAccel(s); ev != nil {
			events = append(events, ev)
		}
	}
	require.Len(t, events, 1)
	assert.Equal(t, models.ConfidenceVeryHigh, events[0].Confidence)
}

func TestMotion_ResetCancelsConfirmation(t *testing.T) {
	c := newTestMotion()
	feed(c, fallSequence(200, 500, 1000, 9.8))
	require.Equal(t, StateConfirmingImpact, c.State())

	c.Reset()
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, feed(c, []models.AccelSample{accel(9.8, 4000), accel(9.8, 5000)}))
	assert.Nil(t, c.Tick(6000))
}

func TestMotion_UnavailableNeverEmits(t *testing.T) {
	c := newTestMotion()
	c.MarkUnavailable()

	assert.ErrorIs(t, c.Available(), ErrSensorUnavailable)
	assert.Empty(t, feed(c, fallSequence(200, 500, 5000, 9.8)))
	assert.Nil(t, c.Tick(10000))
}
