package constants

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInviteQuery(t *testing.T) {
	assert.Equal(t, "has:attachment filename:ics newer_than:365d", InviteQuery(365))
	assert.Equal(t, "has:attachment filename:ics newer_than:7d", InviteQuery(7))
}
