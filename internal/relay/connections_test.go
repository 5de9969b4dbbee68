package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnAccounting_EnforcesPerIPAndGlobalCaps(t *testing.T) {
	c := NewConnAccounting(ConnConfig{PerIPCap: 1, GlobalCap: 2})

	assert.True(t, c.CanAccept("1.1.1.1"))
	assert.False(t, c.CanAccept("1.1.1.1"), "per-IP cap should reject the second connection")
	assert.True(t, c.CanAccept("2.2.2.2"))
	assert.False(t, c.CanAccept("3.3.3.3"), "global cap should reject the third connection")
}

func TestConnAccounting_ReleaseFreesSlot(t *testing.T) {
	c := NewConnAccounting(ConnConfig{PerIPCap: 1, GlobalCap: 1})

	assert.True(t, c.CanAccept("1.1.1.1"))
	c.Release("1.1.1.1")
	assert.True(t, c.CanAccept("1.1.1.1"))
}
