package ws

import (
	"fmt"
	"net/url"
	"strconv"
)

// EndpointPath is the bot push endpoint path prefix on the backend
const EndpointPath = "/api/v1/websocket/bot/"

// BuildURL builds the push endpoint for botID. The scheme is wss when the
// origin is secure.
func BuildURL(host string, secure bool, botID int, token string) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     EndpointPath + strconv.Itoa(botID),
		RawQuery: url.Values{"token": []string{token}}.Encode(),
	}
	return u.String()
}

// RedactURL hides the token query parameter so URLs can be logged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Sprintf("<unparseable url: %d bytes>", len(raw))
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func itoa(n int) string { return strconv.Itoa(n) }
