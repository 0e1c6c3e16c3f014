package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwhcast/kwhcast/pkg/types"
)

func TestPageEvent(t *testing.T) {
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	// newest first, every other row is an event
	var rows []types.Telemetry
	for i := 0; i < 10; i++ {
		v := 220.0
		if i%2 == 0 {
			v = 170
		}
		rows = append(rows, types.Telemetry{Voltage: ptr(v), CreatedAt: base.Add(-time.Duration(i) * time.Minute)})
	}

	collect := func(limit, offset int) types.EventPage {
		page := types.EventPage{Events: []types.Event{}}
		for _, r := range rows {
			pageEvent(&page, r, limit, offset)
		}
		return page
	}

	t.Run("First Page", func(t *testing.T) {
		page := collect(2, 0)
		assert.Equal(t, 5, page.Total)
		require.Len(t, page.Events, 2)
		assert.True(t, page.Events[0].Time.Equal(base))
		assert.True(t, page.Events[1].Time.Equal(base.Add(-2*time.Minute)))
	})

	t.Run("Last Partial Page", func(t *testing.T) {
		page := collect(2, 4)
		assert.Equal(t, 5, page.Total)
		require.Len(t, page.Events, 1)
		assert.True(t, page.Events[0].Time.Equal(base.Add(-8*time.Minute)))
		assert.Equal(t, types.EventVoltageAlarm, page.Events[0].Type)
	})

	t.Run("Past The End", func(t *testing.T) {
		page := collect(2, 10)
		assert.Equal(t, 5, page.Total)
		assert.Empty(t, page.Events)
	})
}
