package codex

import (
	"encoding/json"
	"strings"
)

const genericFailureMessage = "codex execution failed"

// ClassifyFailure picks the most informative line from a failed run's output
// and derives a status class from it. stderr lines are considered before
// stdout lines and the newest line wins.
func ClassifyFailure(stdout, stderr string) (string, StatusClass) {
	var lines []string
	for _, text := range []string{stderr, stdout} {
		for _, line := range splitLines(text) {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				lines = append(lines, trimmed)
			}
		}
	}

	message := ""
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if msg := jsonErrorMessage(line); msg != "" {
			message = msg
			break
		}
		lowered := strings.ToLower(line)
		if strings.HasPrefix(lowered, "error:") ||
			strings.Contains(lowered, "unauthorized") ||
			strings.Contains(lowered, "rate limit") {
			message = line
			break
		}
	}
	if message == "" {
		if len(lines) > 0 {
			message = lines[len(lines)-1]
		} else {
			message = genericFailureMessage
		}
	}
	return message, statusFromMessage(message)
}

// jsonErrorMessage extracts error.message or message from a JSON object line.
func jsonErrorMessage(line string) string {
	if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
		return ""
	}
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return ""
	}
	if len(payload.Error) > 0 {
		var nested struct {
			Message json.RawMessage `json:"message"`
		}
		if json.Unmarshal(payload.Error, &nested) == nil {
			if msg := rawString(nested.Message); msg != "" {
				return msg
			}
		}
	}
	return rawString(payload.Message)
}

// rawString returns the trimmed value of a JSON string, or "" for any other type.
func rawString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func statusFromMessage(message string) StatusClass {
	lowered := strings.ToLower(message)
	switch {
	case strings.Contains(message, "401") || strings.Contains(lowered, "unauthorized"):
		return StatusUnauthorized
	case strings.Contains(message, "429") || strings.Contains(lowered, "rate limit"):
		return StatusRateLimited
	case strings.Contains(lowered, "timeout"):
		return StatusTimeout
	default:
		return StatusServerError
	}
}
