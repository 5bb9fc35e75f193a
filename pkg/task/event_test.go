package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlattenPayload(t *testing.T) {
	ev := NewEvent("E1", map[string]interface{}{
		"cobDate": "20160101",
		"count":   3,
		"ratio":   1.5,
		"ok":      true,
		"missing": nil,
		"book": map[string]interface{}{
			"id":     "B1",
			"region": map[string]string{"code": "uk"},
		},
	})

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, map[string]string{
		"cobDate":          "20160101",
		"count":            "3",
		"ratio":            "1.5",
		"ok":               "true",
		"missing":          "",
		"book.id":          "B1",
		"book.region.code": "uk",
	}, ev.FlattenPayload())

	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(map[string]string{"c": "", "a": "", "b": ""}))
}

func TestEventValidate(t *testing.T) {
	assert.Error(t, Event{}.Validate())
	assert.NoError(t, NewEvent("E1", nil).Validate())
	assert.Empty(t, Event{Type: "E1"}.FlattenPayload())
}

func TestActionValidate(t *testing.T) {
	assert.NoError(t, NoAction("").Validate())
	assert.NoError(t, Action{}.Validate())
	assert.True(t, Action{}.IsNone())
	assert.Error(t, Route("", "").Validate())
	assert.NoError(t, Route("etl", "").ValidateSpecAction())
	assert.Error(t, Persist("").ValidateSpecAction())
	assert.Error(t, Action{Kind: ActionUnroutable}.Validate())
	assert.Error(t, Action{Kind: "bogus"}.Validate())

	ev := NewEvent("E1", nil)
	assert.True(t, ProcessHierarchy(ev).Equal(ProcessHierarchy(ev)))
	assert.False(t, ProcessHierarchy(ev).Equal(ProcessHierarchy(NewEvent("E1", nil))))
	assert.Equal(t, "route(etl)", Route("etl", "").String())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("")
	assert.NoError(t, err)
	assert.Equal(t, StatusPending, s)

	s, err = ParseStatus("COMPLETED")
	assert.NoError(t, err)
	assert.True(t, s.IsTerminal())

	_, err = ParseStatus("DONE")
	assert.Error(t, err)

	assert.True(t, StatusStarted.IsInFlight())
	assert.False(t, StatusPending.IsInFlight())
}
