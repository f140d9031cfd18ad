package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"eldercare-alert/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 两种实现共用的契约测试
func runStoreContract(t *testing.T, newStore func(t *testing.T) AlertStore) {
	t.Run("SnapshotThenFuture", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		existing := appendAlert(t, s, "elder-1", models.AlertKindPanicButton, 1000)

		ch, err := s.Subscribe(ctx, Filter{SubjectIDIn: []string{"elder-1", "elder-2"}, StatusEquals: models.AlertStatusPending})
		require.NoError(t, err)

		got := recvAlert(t, ch)
		assert.Equal(t, existing, got.ID)
		assert.Equal(t, models.AlertStatusPending, got.Status)

		later := appendAlert(t, s, "elder-2", models.AlertKindLoudSound, 2000)
		appendAlert(t, s, "elder-3", models.AlertKindLoudSound, 2100)

		got = recvAlert(t, ch)
		assert.Equal(t, later, got.ID)
		assert.Equal(t, "elder-2", got.SubjectID)
		expectNoAlert(t, ch)
	})

	t.Run("LeavingFilterDeliveredOnce", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch, err := s.Subscribe(ctx, Filter{SubjectIDIn: []string{"elder-1"}, StatusEquals: models.AlertStatusPending})
		require.NoError(t, err)

		id := appendAlert(t, s, "elder-1", models.AlertKindFallDetected, 1000)
		assert.Equal(t, id, recvAlert(t, ch).ID)

		require.NoError(t, s.UpdateStatus(ctx, id, models.AlertStatusAcknowledged, "ct-1"))
		got := recvAlert(t, ch)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, models.AlertStatusAcknowledged, got.Status)
		assert.Equal(t, "ct-1", got.HandledBy)
		expectNoAlert(t, ch)
	})

	t.Run("StatusIsMonotonic", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id := appendAlert(t, s, "elder-1", models.AlertKindFallDetected, 1000)
		require.NoError(t, s.UpdateStatus(ctx, id, models.AlertStatusAcknowledged, "ct-1"))

		err := s.UpdateStatus(ctx, id, models.AlertStatusAcknowledged, "ct-2")
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		err = s.UpdateStatus(ctx, id, models.AlertStatusResolved, "elder-1")
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		err = s.UpdateStatus(ctx, id, models.AlertStatusPending, "ct-2")
		assert.Error(t, err)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.AlertStatusAcknowledged, got.Status)
		assert.Equal(t, "ct-1", got.HandledBy)

		err = s.UpdateStatus(ctx, "does-not-exist", models.AlertStatusAcknowledged, "ct-1")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("PerSubjectCreationOrder", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var snapshotIDs []string
		for i := 0; i < 3; i++ {
			snapshotIDs = append(snapshotIDs, appendAlert(t, s, "elder-1", models.AlertKindManual, int64(1000+i)))
		}

		ch, err := s.Subscribe(ctx, Filter{SubjectIDIn: []string{"elder-1"}, StatusEquals: models.AlertStatusPending})
		require.NoError(t, err)

		var liveIDs []string
		for i := 0; i < 3; i++ {
			liveIDs = append(liveIDs, appendAlert(t, s, "elder-1", models.AlertKindManual, int64(2000+i)))
		}

		for _, want := range append(snapshotIDs, liveIDs...) {
			assert.Equal(t, want, recvAlert(t, ch).ID)
		}
	})

	t.Run("HistoryNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		appendAlert(t, s, "elder-1", models.AlertKindTest, 1000)
		newest := appendAlert(t, s, "elder-2", models.AlertKindTest, 3000)
		middle := appendAlert(t, s, "elder-1", models.AlertKindTest, 2000)
		appendAlert(t, s, "elder-9", models.AlertKindTest, 4000)

		history, err := s.History(ctx, []string{"elder-1", "elder-2"}, 2)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, newest, history[0].ID)
		assert.Equal(t, middle, history[1].ID)

		all, err := s.History(ctx, []string{"elder-1", "elder-2"}, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("CancelClosesChannel", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())

		ch, err := s.Subscribe(ctx, Filter{SubjectIDIn: []string{"elder-1"}, StatusEquals: models.AlertStatusPending})
		require.NoError(t, err)
		cancel()

		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("subscription channel not closed after cancel")
		}
	})

	t.Run("AppendDerivesStoreFields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id, err := s.Append(ctx, models.Alert{
			SubjectID: "elder-1",
			Kind:      models.AlertKindFallDetected,
			Status:    models.AlertStatusResolved,
			Location:  &models.GeoPoint{Latitude: 10, Longitude: 20},
		})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.AlertStatusPending, got.Status)
		assert.Equal(t, "https://www.google.com/maps/search/?api=1&query=10,20", got.MapLinkURL)
		assert.NotZero(t, got.CreatedAtMs)

		_, err = s.Append(ctx, models.Alert{SubjectID: "elder-1", Kind: "BOGUS"})
		assert.Error(t, err)
	})
}

func appendAlert(t *testing.T, s AlertStore, subjectID string, kind models.AlertKind, createdAtMs int64) string {
	t.Helper()
	id, err := s.Append(context.Background(), models.Alert{
		SubjectID:          subjectID,
		SubjectDisplayName: "Name of " + subjectID,
		Kind:               kind,
		CreatedAtMs:        createdAtMs,
	})
	require.NoError(t, err)
	return id
}

func recvAlert(t *testing.T, ch <-chan models.Alert) models.Alert {
	t.Helper()
	select {
	case a, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for alert")
	}
	return models.Alert{}
}

func expectNoAlert(t *testing.T, ch <-chan models.Alert) {
	t.Helper()
	select {
	case a := <-ch:
		t.Fatalf("unexpected alert %s (%s)", a.ID, a.Status)
	case <-time.After(150 * time.Millisecond):
	}
}
