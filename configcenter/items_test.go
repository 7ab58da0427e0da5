package configcenter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/servicecomb/xerrors"
)

type batch struct {
	action string
	items  map[string]any
}

func recordingItems() (*Items, *[]batch) {
	var got []batch
	it := NewItems(func(action string, items map[string]any) {
		got = append(got, batch{action: action, items: items})
	})
	return it, &got
}

func TestItemsRefreshDispatchesBatches(t *testing.T) {
	it, got := recordingItems()

	it.Refresh(map[string]map[string]any{
		"revision":       {"version": "1"},
		"order@default": {"timeout": "3s", "retries": "2"},
	})
	assert.Equal(t, "1", it.Revision())
	require.Len(t, *got, 1)
	assert.Equal(t, ActionCreate, (*got)[0].action)
	assert.Equal(t, map[string]any{"timeout": "3s", "retries": "2"}, (*got)[0].items)

	*got = nil
	it.Refresh(map[string]map[string]any{
		"revision":       {"version": "2"},
		"order@default": {"timeout": "5s", "level": "debug"},
	})
	assert.Equal(t, "2", it.Revision())
	require.Len(t, *got, 3)
	assert.Equal(t, batch{ActionCreate, map[string]any{"level": "debug"}}, (*got)[0])
	assert.Equal(t, batch{ActionSet, map[string]any{"timeout": "5s"}}, (*got)[1])
	assert.Equal(t, batch{ActionDelete, map[string]any{"retries": "2"}}, (*got)[2])

	// 内容不变时不回调
	*got = nil
	it.Refresh(map[string]map[string]any{
		"revision":       {"version": "3"},
		"order@default": {"timeout": "5s", "level": "debug"},
	})
	assert.Empty(t, *got)
	assert.Equal(t, "3", it.Revision())
}

func TestItemsMergeOrder(t *testing.T) {
	it := NewItems(nil)
	it.Refresh(map[string]map[string]any{
		"order@default": {"timeout": "5s"},
		"application":   {"timeout": "1s", "region": "cn"},
		"zz":            {"nested": map[string]any{"a": "1", "b": map[string]any{"c": "2"}}},
	})

	snap := it.Snapshot()
	assert.Equal(t, "5s", snap["timeout"], "service dimension overrides application")
	assert.Equal(t, "cn", snap["region"])
	assert.Equal(t, "1", snap["nested.a"])
	assert.Equal(t, "2", snap["nested.b.c"])

	v, ok := it.Get("region")
	assert.True(t, ok)
	assert.Equal(t, "cn", v)
	_, ok = it.Get("revision")
	assert.False(t, ok)
}

func TestItemsRefreshIncremental(t *testing.T) {
	it, got := recordingItems()
	it.Refresh(map[string]map[string]any{
		"revision": {"version": "1"},
		"svc":      {"a": "1"},
	})
	*got = nil

	value, err := json.Marshal(`{"a":"2","b":"3"}`)
	require.NoError(t, err)
	require.NoError(t, it.RefreshIncremental(Frame{Action: "UPDATE", Key: "svc", Value: value}))
	require.Len(t, *got, 2)
	assert.Equal(t, batch{ActionCreate, map[string]any{"b": "3"}}, (*got)[0])
	assert.Equal(t, batch{ActionSet, map[string]any{"a": "2"}}, (*got)[1])
	assert.Equal(t, "1", it.Revision(), "incremental frames keep the revision")

	*got = nil
	require.NoError(t, it.RefreshIncremental(Frame{Action: "UPDATE", Key: "other", Value: json.RawMessage(`{"c":"4"}`)}))
	require.Len(t, *got, 1)
	assert.Equal(t, batch{ActionCreate, map[string]any{"c": "4"}}, (*got)[0])

	*got = nil
	require.NoError(t, it.RefreshIncremental(Frame{Action: "DELETE", Key: "svc"}))
	require.Len(t, *got, 1)
	assert.Equal(t, batch{ActionDelete, map[string]any{"a": "2", "b": "3"}}, (*got)[0])

	err = it.RefreshIncremental(Frame{Action: "UNKNOWN"})
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)

	err = it.RefreshIncremental(Frame{Action: "UPDATE", Key: "svc", Value: json.RawMessage(`"not json"`)})
	assert.Error(t, err)
}

func TestItemsHandlerCanRead(t *testing.T) {
	var it *Items
	var seen any
	it = NewItems(func(action string, items map[string]any) {
		seen, _ = it.Get("k")
	})
	it.Refresh(map[string]map[string]any{"d": {"k": "v"}})
	assert.Equal(t, "v", seen)
}
