// Package envelope normalizes the transport wrappers that carry a mailbox
// change notification. Push webhooks, the streaming subscriber, and test
// harnesses all deliver slightly different JSON shapes; everything reduces to
// one (userKey, historyId) pair.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joshsymonds/mailsentinel/internal/gmail"
)

// maxSearchDepth bounds the fallback field search. Upstream payload shape is
// not contractually fixed, so the last resort scans nested values, but never
// deeper than this on adversarial input.
const maxSearchDepth = 5

// Notification is the canonical decoded form of any envelope.
type Notification struct {
	UserKey   string
	HistoryID gmail.HistoryID
}

// DecodeError reports an envelope that could not be reduced to a
// Notification. Callers ack and drop; decode failure is never fatal to the
// delivery channel.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return "decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode reduces a raw notification payload to its canonical pair. It tries
// the three known shapes in order, then falls back to a depth-bounded field
// search.
func Decode(payload []byte) (Notification, error) {
	root, err := parseJSON(payload)
	if err != nil {
		return Notification{}, &DecodeError{Reason: "payload is not JSON", Err: err}
	}

	// Shape 1: direct {historyId, emailAddress} object.
	if n, ok := direct(root); ok {
		return n, nil
	}

	// Shape 2: Pub/Sub push wrapper with base64 JSON under message.data.
	if inner, ok := messageData(root); ok {
		if n, ok := direct(inner); ok {
			return n, nil
		}
		// Shape 3: the inner message.data is itself another wrapper.
		if nested, ok := messageData(inner); ok {
			if n, ok := direct(nested); ok {
				return n, nil
			}
		}
		root = inner
	}

	// Last resort: scan for plausible fields anywhere in the value tree.
	if n, ok := search(root); ok {
		return n, nil
	}
	return Notification{}, &DecodeError{Reason: "no historyId/emailAddress found"}
}

func parseJSON(payload []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// direct matches an object carrying both canonical fields at the top level.
func direct(v any) (Notification, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return Notification{}, false
	}
	id, ok := historyID(obj["historyId"])
	if !ok {
		return Notification{}, false
	}
	addr, ok := address(obj["emailAddress"])
	if !ok {
		return Notification{}, false
	}
	return Notification{UserKey: addr, HistoryID: id}, true
}

// messageData unwraps a {message: {data: <base64 JSON>}} envelope.
func messageData(v any) (any, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	msg, ok := obj["message"].(map[string]any)
	if !ok {
		return nil, false
	}
	data, ok := msg["data"].(string)
	if !ok {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(data)
		if err != nil {
			return nil, false
		}
	}
	inner, err := parseJSON(raw)
	if err != nil {
		return nil, false
	}
	return inner, true
}

// search walks the value tree looking for a historyId key and an
// emailAddress/email key whose value contains "@". First match wins for each.
func search(root any) (Notification, bool) {
	var (
		id      gmail.HistoryID
		idFound bool
		addr    string
	)
	var walk func(v any, depth int)
	walk = func(v any, depth int) {
		if depth > maxSearchDepth {
			return
		}
		switch t := v.(type) {
		case map[string]any:
			for key, val := range t {
				switch {
				case key == "historyId" && !idFound:
					if parsed, ok := historyID(val); ok {
						id, idFound = parsed, true
					}
				case (key == "emailAddress" || key == "email") && addr == "":
					if a, ok := address(val); ok {
						addr = a
					}
				default:
					walk(val, depth+1)
				}
			}
		case []any:
			for _, item := range t {
				walk(item, depth+1)
			}
		}
	}
	walk(root, 0)
	if !idFound || addr == "" {
		return Notification{}, false
	}
	return Notification{UserKey: addr, HistoryID: id}, true
}

func historyID(v any) (gmail.HistoryID, bool) {
	switch t := v.(type) {
	case string:
		id, err := gmail.ParseHistoryID(t)
		return id, err == nil
	case json.Number:
		id, err := gmail.ParseHistoryID(t.String())
		return id, err == nil
	default:
		return 0, false
	}
}

func address(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || !strings.Contains(s, "@") {
		return "", false
	}
	return strings.ToLower(strings.TrimSpace(s)), true
}
