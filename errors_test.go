package mcpmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, CodeSuccess},
		{ErrTimeout, CodeTimeout},
		{ErrTransportFailed, CodeClientDead},
		{ErrUnknownTask, codeUnknownTask},
		{ErrToolError, codeToolError},
		{ErrSalvageFailed, codeSalvageFailed},
		{ErrDispatcherStopped, codeDispatcherStopped},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, CodeOf(c.err))
	}
}
