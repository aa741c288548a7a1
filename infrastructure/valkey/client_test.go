package valkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClient_Key(t *testing.T) {
	c := &Client{prefix: normalizePrefix("azbridge")}
	assert.Equal(t, "azbridge:dedup:1101:BAE5", c.Key("dedup", "1101", "BAE5"))
	assert.Equal(t, "azbridge", c.Key())

	bare := &Client{prefix: normalizePrefix("")}
	assert.Equal(t, "events:instance.status", bare.Key("events", "instance.status"))
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "azbridge:", normalizePrefix("azbridge:"))
	assert.Equal(t, "azbridge:", normalizePrefix("azbridge"))
	assert.Equal(t, "", normalizePrefix(""))
}
