package main

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRandomMessageCarriesStamp(t *testing.T) {
	bc := &BotClient{}
	msg := bc.randomMessage()

	assert.Contains(t, msg, stampMarker)
	assert.Less(t, len(msg), 1023, "fits in one server read")

	line := "[12:00:00] bot: " + msg
	latency := latencyFromLine(line)
	assert.GreaterOrEqual(t, latency, time.Duration(0))
	assert.Less(t, latency, time.Minute)
}

func TestLatencyFromLine(t *testing.T) {
	sent := time.Now().Add(-250 * time.Millisecond)
	line := "[12:00:00] bot: hello" + stampMarker + strconv.FormatInt(sent.UnixNano(), 10)
	assert.GreaterOrEqual(t, latencyFromLine(line), 250*time.Millisecond)

	assert.Equal(t, time.Duration(-1), latencyFromLine("[12:00:00] alice: hi"))
	assert.Equal(t, time.Duration(-1), latencyFromLine("x"+stampMarker+"notanumber"))
}

func TestGenerateUsername(t *testing.T) {
	name := generateUsername(42)
	assert.True(t, strings.HasSuffix(name, "42"))
	assert.LessOrEqual(t, len(name), 12)
}
