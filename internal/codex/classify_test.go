package codex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name        string
		stdout      string
		stderr      string
		wantMessage string
		wantStatus  StatusClass
	}{
		{
			name:        "no output",
			wantMessage: "codex execution failed",
			wantStatus:  StatusServerError,
		},
		{
			name:        "json error object on stdout",
			stdout:      "starting\n{\"error\": {\"message\": \"Unauthorized: invalid API key\"}}\n",
			wantMessage: "Unauthorized: invalid API key",
			wantStatus:  StatusUnauthorized,
		},
		{
			name:        "json top-level message",
			stdout:      `{"type": "error", "message": "429 Too Many Requests"}`,
			wantMessage: "429 Too Many Requests",
			wantStatus:  StatusRateLimited,
		},
		{
			name:        "error marker line",
			stderr:      "warning: slow\nerror: stream disconnected: timeout waiting for response\n",
			stdout:      "partial output\n",
			wantMessage: "error: stream disconnected: timeout waiting for response",
			wantStatus:  StatusTimeout,
		},
		{
			name:        "rate limit phrase anywhere",
			stderr:      "You hit a Rate Limit, slow down\n",
			wantMessage: "You hit a Rate Limit, slow down",
			wantStatus:  StatusRateLimited,
		},
		{
			name:        "newest line wins over older markers",
			stderr:      "error: first\n",
			stdout:      "error: second\n",
			wantMessage: "error: second",
			wantStatus:  StatusServerError,
		},
		{
			name:        "falls back to last line",
			stderr:      "something odd\n",
			stdout:      "\n  last words  \n\n",
			wantMessage: "last words",
			wantStatus:  StatusServerError,
		},
		{
			name:        "json without message is not special",
			stdout:      "{\"status\": 401}\n",
			wantMessage: "{\"status\": 401}",
			wantStatus:  StatusUnauthorized,
		},
		{
			name:        "non-string error message ignored",
			stdout:      "{\"error\": {\"message\": 5}, \"message\": \"fallback text\"}",
			wantMessage: "fallback text",
			wantStatus:  StatusServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, status := ClassifyFailure(tt.stdout, tt.stderr)
			assert.Equal(t, tt.wantMessage, msg)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}
