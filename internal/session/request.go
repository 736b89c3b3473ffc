package session

import (
	"pkt.systems/predictd/internal/wire"
)

// parseRequest validates a frame payload. It returns an error only when the
// payload is not UTF-8 JSON at all; otherwise a non-zero Errno names the
// validation failure to report to the client.
func parseRequest(payload []byte) (wire.Request, wire.Errno, error) {
	var body any
	if err := wire.Unmarshal(payload, &body); err != nil {
		return wire.Request{}, wire.ErrnoOK, err
	}
	fields, ok := body.(map[string]any)
	if !ok {
		return wire.Request{}, wire.ErrnoInvalidRequest, nil
	}
	kind, ok := fields["request"].(string)
	if !ok || kind != wire.RequestPredict {
		return wire.Request{}, wire.ErrnoInvalidRequest, nil
	}
	rawLogins, ok := fields["logins"].([]any)
	if !ok {
		return wire.Request{}, wire.ErrnoInvalidBody, nil
	}
	logins := make([]string, 0, len(rawLogins))
	for _, raw := range rawLogins {
		login, ok := raw.(string)
		if !ok {
			return wire.Request{}, wire.ErrnoInvalidBody, nil
		}
		logins = append(logins, login)
	}
	return wire.Request{Request: kind, Logins: logins}, wire.ErrnoOK, nil
}
