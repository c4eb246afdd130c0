package cache

import (
	"testing"

	"rulekeeper/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleCache_OnlyServesWhileStarted(t *testing.T) {
	c, err := New(10)
	require.NoError(t, err)

	rule := &core.Rule{ID: 1, Key: core.NewRuleKey("squid", "S001"), Name: "Rule"}

	c.Put(rule)
	_, ok := c.Get(1)
	assert.False(t, ok, "stopped cache ignores puts")

	c.Start()
	c.Put(rule)
	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, "Rule", got.Name)

	c.Stop()
	assert.Equal(t, 0, c.Len())
	_, ok = c.Get(1)
	assert.False(t, ok)
}

func TestRuleCache_ReturnsCopies(t *testing.T) {
	c, err := New(10)
	require.NoError(t, err)
	c.Start()
	defer c.Stop()

	rule := &core.Rule{ID: 1, Name: "Rule", Tags: []string{"a"}}
	c.Put(rule)
	rule.Name = "Changed"

	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, "Rule", got.Name)

	got.Tags[0] = "mutated"
	again, _ := c.Get(1)
	assert.Equal(t, []string{"a"}, again.Tags)
}

func TestRuleCache_Evicts(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)
	c.Start()
	defer c.Stop()

	for id := int64(1); id <= 3; id++ {
		c.Put(&core.Rule{ID: id})
	}
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(1)
	assert.False(t, ok, "least recently used entry is evicted")
}

func TestNew_DefaultSize(t *testing.T) {
	c, err := New(0)
	require.NoError(t, err)
	assert.NotNil(t, c)
}
