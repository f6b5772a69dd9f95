package monitoring

import (
	"fmt"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	defer SetLogger(log.Printf)

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	Logf("epoch %d", 3)
	assert.Equal(t, []string{"epoch 3"}, lines)

	SetLogger(nil)
	Logf("dropped")
	assert.Len(t, lines, 1)
}

func TestDebugf(t *testing.T) {
	defer SetLogger(log.Printf)
	defer SetVerbose(false)

	count := 0
	SetLogger(func(string, ...interface{}) { count++ })

	Debugf("hidden")
	assert.Equal(t, 0, count)

	SetVerbose(true)
	Debugf("shown")
	assert.Equal(t, 1, count)
}
