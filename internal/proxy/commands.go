package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// WebDriverPath is the mount point of the intercepted Selenium surface.
const WebDriverPath = "/wd/hub"

// sessionIDFromPath extracts the client-visible session id from a
// WebDriver URL path, e.g. /wd/hub/session/17/url -> 17. Returns false
// when the path carries no session segment.
func sessionIDFromPath(path string) (int64, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		if part == "session" && i+1 < len(parts) {
			id, err := strconv.ParseInt(parts[i+1], 10, 64)
			if err != nil {
				return 0, false
			}
			return id, true
		}
	}
	return 0, false
}

// setPathSessionID replaces the session segment's id with the given
// value, preserving the rest of the path.
func setPathSessionID(path, id string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "session" && i+1 < len(parts) {
			parts[i+1] = id
			break
		}
	}
	return strings.Join(parts, "/")
}

// setBodySessionID rewrites the top-level "sessionId" key of a JSON
// body. Non-JSON bodies and bodies without the key pass through
// untouched.
func setBodySessionID(body []byte, id string) []byte {
	if len(bytes.TrimSpace(body)) == 0 {
		return body
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return body
	}
	if _, ok := obj["sessionId"]; !ok {
		return body
	}
	quoted, err := json.Marshal(id)
	if err != nil {
		return body
	}
	obj["sessionId"] = quoted
	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
}

// upstreamSessionID pulls the Selenium server's session id out of a
// session-creation response body. Both the classic top-level
// "sessionId" and the W3C {"value": {"sessionId": ...}} shapes are
// understood.
func upstreamSessionID(body []byte) (string, error) {
	var resp struct {
		SessionID string `json:"sessionId"`
		Value     struct {
			SessionID string `json:"sessionId"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse selenium response: %w", err)
	}
	if resp.SessionID != "" {
		return resp.SessionID, nil
	}
	if resp.Value.SessionID != "" {
		return resp.Value.SessionID, nil
	}
	return "", fmt.Errorf("selenium response carries no session id")
}

// isSessionCreate reports whether the request targets the
// session-creation endpoint: POST with a path whose final segment is
// "session".
func isSessionCreate(method, path string) bool {
	if method != "POST" {
		return false
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	return len(parts) > 0 && parts[len(parts)-1] == "session"
}

// isSessionDelete reports whether the request is the session teardown
// command: DELETE on exactly /session/<id>.
func isSessionDelete(method, path string) bool {
	if method != "DELETE" {
		return false
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	return len(parts) >= 2 && parts[len(parts)-2] == "session"
}
