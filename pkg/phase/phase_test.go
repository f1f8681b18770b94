package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyMembershipTable(t *testing.T) {
	tests := []struct {
		phase Phase
		want  Classification
	}{
		{Waiting, Classification{Active: true}},
		{Starting, Classification{Active: true}},
		{Working, Classification{Active: true}},
		{NewData, Classification{}},
		{UserAborted, Classification{Done: true, Fail: true}},
		{Fail, Classification{Done: true, Fail: true}},
		{Success, Classification{Done: true, Success: true}},
		{Canceled, Classification{Done: true, Fail: true}},
		{UnknownPackageID, Classification{Done: true, Fail: true}},
		{Archived, Classification{Archived: true}},
		{Phase("EXPLODED"), Classification{}},
		{Phase(""), Classification{}},
	}

	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.phase))
		})
	}
}

func TestKnownCoversEnumeration(t *testing.T) {
	got := Known()
	assert.Len(t, got, 10)
	for _, p := range got {
		assert.True(t, p.Valid(), "phase %s should be valid", p)
	}
	assert.False(t, Phase("NOPE").Valid())

	// Known returns a copy.
	got[0] = "MUTATED"
	assert.Equal(t, Waiting, Known()[0])
}

func TestParse(t *testing.T) {
	assert.Equal(t, Working, Parse(" working "))
	assert.Equal(t, Success, Parse("SUCCESS"))
	assert.Equal(t, Phase("SOMETHING_ELSE"), Parse("something_else"))
}

type record struct{ p Phase }

func (r record) CurrentPhase() Phase { return r.p }

func TestPhasedPredicates(t *testing.T) {
	r := record{p: Canceled}
	assert.False(t, IsActive(r))
	assert.True(t, IsDone(r))
	assert.True(t, IsFail(r))
	assert.False(t, IsSuccess(r))
	assert.False(t, IsArchived(r))

	assert.False(t, IsDone(nil))
	assert.True(t, IsArchived(record{p: Archived}))
	assert.True(t, IsSuccess(record{p: Success}))
	assert.True(t, IsActive(record{p: Waiting}))
}
