package logger

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func redirect(buf *bytes.Buffer, format, level string) {
	Configure(buf, format, level)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	redirect(&buf, FormatText, LevelWarn)

	Debugf("suppressed %d", 1)
	assert.Empty(t, buf.String())

	Warnf("shown %d", 2)
	assert.Contains(t, buf.String(), "shown 2")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	redirect(&buf, FormatJSON, LevelInfo)

	Infof("blob digest=%s", "deadbeef")

	assert.Regexp(t, regexp.MustCompile(`"msg":"blob digest=deadbeef"`), buf.String())
}

func TestSetLevelWithoutRebuildingHandler(t *testing.T) {
	var buf bytes.Buffer
	redirect(&buf, FormatText, LevelInfo)

	SetLevel(LevelError)
	Warnf("should be suppressed now")
	assert.Empty(t, buf.String())

	SetLevel(LevelInfo)
	Infof("visible again")
	assert.Contains(t, buf.String(), "visible again")
}
