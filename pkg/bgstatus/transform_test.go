package bgstatus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobwatch/pkg/phase"
)

func TestTransform_GroupsAndSortsProgressItems(t *testing.T) {
	raw := Payload{
		"ID":                    "j1",
		"STATE":                 "WORKING",
		"PACKAGE_PROGRESS_0_pct": 10,
		"PACKAGE_PROGRESS_2_pct": 90,
		"PACKAGE_PROGRESS_1_pct": 50,
	}

	got := Transform(raw)

	require.Len(t, got.ProgressItems, 3)
	assert.Equal(t, []ProgressItem{
		{Index: 0, Fields: map[string]any{"pct": 10}},
		{Index: 1, Fields: map[string]any{"pct": 50}},
		{Index: 2, Fields: map[string]any{"pct": 90}},
	}, got.ProgressItems)
	assert.Equal(t, Payload{"ID": "j1", "STATE": "WORKING"}, got.Fields)
	assert.Empty(t, got.Rejected)

	assert.Equal(t, "j1", got.ID())
	assert.Equal(t, phase.Working, got.Phase())
}

func TestTransform_ReapplicationIsNoOp(t *testing.T) {
	raw := Payload{
		"ID":                     "j1",
		"STATE":                  "WORKING",
		"PACKAGE_PROGRESS_1_pct": 50,
		"PACKAGE_PROGRESS_0":     map[string]any{"pct": 10, "url": "http://x/0"},
		"PACKAGE_PROGRESS_x_pct": 3,
	}

	once := Transform(raw)
	twice := Normalize(once)

	assert.Equal(t, once, twice)
}

func TestTransform_NestedBagAndFieldKeysMerge(t *testing.T) {
	raw := Payload{
		"ID":                                "j1",
		"PACKAGE_PROGRESS_0":                map[string]any{"totalFiles": 4},
		"PACKAGE_PROGRESS_0_processedBytes": 2048,
	}

	got := Transform(raw)

	require.Len(t, got.ProgressItems, 1)
	assert.Equal(t, 0, got.ProgressItems[0].Index)
	assert.Equal(t, map[string]any{"totalFiles": 4, "processedBytes": 2048}, got.ProgressItems[0].Fields)
}

func TestTransform_RejectsMalformedProgressKeys(t *testing.T) {
	raw := Payload{
		"ID":                      "j1",
		"PACKAGE_PROGRESS_":       1,
		"PACKAGE_PROGRESS_a_pct":  1,
		"PACKAGE_PROGRESS_-1_pct": 1,
		"PACKAGE_PROGRESS_3_":     1,
		"PACKAGE_PROGRESS_4":      "serialized-not-a-map",
		"PACKAGE_PROGRESS_5_pct":  55,
		"PACKAGE_CNT":             6,
	}

	got := Transform(raw)

	assert.ElementsMatch(t, []string{
		"PACKAGE_PROGRESS_",
		"PACKAGE_PROGRESS_a_pct",
		"PACKAGE_PROGRESS_-1_pct",
		"PACKAGE_PROGRESS_3_",
		"PACKAGE_PROGRESS_4",
	}, got.Rejected)
	require.Len(t, got.ProgressItems, 1)
	assert.Equal(t, 5, got.ProgressItems[0].Index)

	// Rejected keys never leak into the passthrough fields.
	assert.Equal(t, Payload{"ID": "j1", "PACKAGE_CNT": 6}, got.Fields)
}

func TestTransform_NilPayload(t *testing.T) {
	got := Transform(nil)
	assert.NotNil(t, got.Fields)
	assert.Empty(t, got.Fields)
	assert.Nil(t, got.ProgressItems)
	assert.Equal(t, "", got.ID())
	assert.Equal(t, phase.Phase(""), got.Phase())
}

func TestTransform_DoesNotMutateInput(t *testing.T) {
	raw := Payload{"ID": "j1", "PACKAGE_PROGRESS_0_pct": 1}
	_ = Transform(raw)
	assert.Len(t, raw, 2)
}

func TestStatus_Messages(t *testing.T) {
	s := Transform(Payload{
		"ID":          "j1",
		"MESSAGE_CNT": "3",
		"MESSAGE_0":   "queued",
		"MESSAGE_1":   "",
		"MESSAGE_2":   "zipping",
		"MESSAGE_9":   "ignored",
	})
	assert.Equal(t, []string{"queued", "zipping"}, s.Messages())
}

func TestStatus_MessagesHugeCount(t *testing.T) {
	s := Transform(Payload{
		"ID":          "j1",
		"STATE":       "WORKING",
		"MESSAGE_CNT": 1e12,
		"MESSAGE_10":  "packaging",
		"MESSAGE_2":   "searching",
		"MESSAGE_02":  "duplicate",
	})

	done := make(chan []string, 1)
	go func() { done <- s.Messages() }()
	select {
	case msgs := <-done:
		assert.Equal(t, []string{"searching", "packaging"}, msgs)
	case <-time.After(time.Second):
		t.Fatal("Messages did not return for a large MESSAGE_CNT")
	}

	assert.Nil(t, Transform(Payload{"ID": "j1", "MESSAGE_CNT": -4, "MESSAGE_0": "x"}).Messages())
}

func TestStatus_TotalBytes(t *testing.T) {
	t.Run("sums processed bytes on success", func(t *testing.T) {
		s := Transform(Payload{
			"STATE":                             "SUCCESS",
			"TOTAL_BYTES":                       10,
			"PACKAGE_PROGRESS_0_processedBytes": 100.0,
			"PACKAGE_PROGRESS_1_processedBytes": 50.0,
		})
		assert.Equal(t, int64(150), s.TotalBytes())
	})

	t.Run("falls back to estimate while working", func(t *testing.T) {
		s := Transform(Payload{
			"STATE":                             "WORKING",
			"TOTAL_BYTES":                       "4096",
			"PACKAGE_PROGRESS_0_processedBytes": 100,
		})
		assert.Equal(t, int64(4096), s.TotalBytes())
	})
}

func TestProgressItem_JSONFlattensIndex(t *testing.T) {
	item := ProgressItem{Index: 2, Fields: map[string]any{"pct": 90}}

	b, err := json.Marshal(item)
	require.NoError(t, err)
	assert.JSONEq(t, `{"index":2,"pct":90}`, string(b))

	var back ProgressItem
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, 2, back.Index)
	assert.Equal(t, map[string]any{"pct": float64(90)}, back.Fields)

	assert.Error(t, json.Unmarshal([]byte(`{"pct":1}`), &back))
}

func TestPayloadString(t *testing.T) {
	p := Payload{"n": 42.0, "f": 1.5, "s": "x", "p": phase.Success}
	assert.Equal(t, "42", p.String("n"))
	assert.Equal(t, "1.5", p.String("f"))
	assert.Equal(t, "x", p.String("s"))
	assert.Equal(t, "SUCCESS", p.String("p"))
	assert.Equal(t, "", p.String("missing"))
	assert.Nil(t, Payload(nil).Clone())
}
