package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPtr(t *testing.T) {
	p := Ptr("097")
	assert.Equal(t, "097", *p)
	assert.NotSame(t, p, Ptr("097"))
}

func TestNulls(t *testing.T) {
	assert.False(t, NullString("").Valid)
	assert.Equal(t, "1601", NullString("1601").String)
	assert.False(t, NullID(0).Valid)
	assert.True(t, NullID(3).Valid)
}
