package set_test

import (
	"sort"
	"testing"

	"github.com/fleetbeacon/fuelcore/internal/set"
	"gotest.tools/v3/assert"
)

func TestFromSlice(t *testing.T) {
	testSlice := []int{1, 2}
	testSet := set.FromSlice(testSlice)
	assert.Equal(t, len(testSet), len(testSlice))
	for _, v := range testSlice {
		assert.Assert(t, testSet.Contains(v), "set missing key from original slice %v", v)
	}
}

func TestFromMapKeys(t *testing.T) {
	testMap := map[string]string{
		"key1": "",
		"key2": "",
		"key3": "",
	}
	testSet := set.FromMapKeys(testMap)
	assert.Equal(t, len(testSet), len(testMap))
	for k := range testMap {
		assert.Assert(t, testSet.Contains(k), "set missing key from original map %s", k)
	}
}

func TestAdd(t *testing.T) {
	testSet := set.Set[string]{}
	newKey := "new key!"
	testSet.Add(newKey)
	assert.Equal(t, len(testSet), 1)
	assert.Assert(t, testSet.Contains(newKey))
}

func TestRemove(t *testing.T) {
	key := "key"
	testSet := set.Set[string]{
		key: struct{}{},
	}
	testSet.Remove(key)
	assert.Assert(t, !testSet.Contains(key))
	assert.Equal(t, len(testSet), 0)
}

func TestKeys(t *testing.T) {
	originalKeys := []int{1, 2, 3}
	testSet := set.Set[int]{}
	for _, k := range originalKeys {
		testSet.Add(k)
	}
	resultKeys := testSet.Keys()
	sort.Ints(resultKeys)
	assert.DeepEqual(t, resultKeys, originalKeys)
}

func TestUnion(t *testing.T) {
	a := set.FromSlice([]string{"x", "y"})
	b := set.FromSlice([]string{"y", "z"})
	u := a.Union(b)
	keys := u.Keys()
	sort.Strings(keys)
	assert.DeepEqual(t, keys, []string{"x", "y", "z"})
	// Inputs are untouched.
	assert.Equal(t, len(a), 2)
	assert.Equal(t, len(b), 2)
}
