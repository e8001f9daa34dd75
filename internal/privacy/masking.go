package privacy

import (
	"net/url"
	"strings"

	"inboxsync/internal/constants"
)

// MaskToken hides a bearer credential or session token, keeping the last few
// characters so two tokens can still be told apart in logs.
// Example: "abcdefghijkl" -> "********ijkl"
func MaskToken(token string) string {
	token = strings.TrimPrefix(token, "Bearer ")
	if len(token) <= 2*constants.DefaultTokenVisibleChars {
		return strings.Repeat("*", len(token))
	}
	return maskString(token, constants.DefaultTokenVisibleChars)
}

// MaskID masks a client, customer or agent identifier
// Example: "conv-123456" -> "*****123456"
func MaskID(id string) string {
	return maskString(id, constants.DefaultIDVisibleChars)
}

// MaskEmail keeps the domain and the first character of the local part
// Example: "alice@example.com" -> "a****@example.com"
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return maskString(email, 0)
	}
	local, domain := email[:at], email[at:]
	return local[:1] + strings.Repeat("*", len(local)-1) + domain
}

// MaskURL strips userinfo and query values from u. Unparseable input is
// masked completely.
func MaskURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return maskString(u, 0)
	}
	if parsed.User != nil {
		parsed.User = url.User("redacted")
	}
	if parsed.RawQuery != "" {
		q := parsed.Query()
		for k := range q {
			q.Set(k, "redacted")
		}
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}
	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "token", "credential", "session_token", "authorization":
			masked[k] = MaskToken(s)
		case "client_id", "customer_id", "assigned_agent_id", "agent_id":
			masked[k] = MaskID(s)
		case "email", "recipient_email":
			masked[k] = MaskEmail(s)
		case "url", "endpoint_url":
			masked[k] = MaskURL(s)
		default:
			masked[k] = v
		}
	}
	return masked
}
