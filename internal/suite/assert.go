package suite

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/wI2L/jsondiff"

	"github.com/kuitang/specrun/internal/waiter"
)

// AssertionError is a failed expectation.
type AssertionError struct {
	Messages []string
}

func (e *AssertionError) Error() string {
	return "assertion failed: " + strings.Join(e.Messages, "; ")
}

func (e Expectation) check(status int, body []byte) error {
	var msgs []string
	if e.Status != 0 && status != e.Status {
		msgs = append(msgs, fmt.Sprintf("status %d, want %d", status, e.Status))
	}
	msgs = append(msgs, checkPaths(body, e.JSON)...)
	if len(e.Body) > 0 {
		msgs = append(msgs, containsJSON(e.Body, body)...)
	}
	if len(msgs) > 0 {
		return &AssertionError{Messages: msgs}
	}
	return nil
}

func (r RequestExpectation) check(ex *waiter.Exchange) error {
	var msgs []string
	if r.Method != "" && !strings.EqualFold(r.Method, ex.Request.Method) {
		msgs = append(msgs, fmt.Sprintf("request method %s, want %s", ex.Request.Method, strings.ToUpper(r.Method)))
	}
	for k, v := range r.Header {
		if got := ex.Request.Headers.Get(k); got != v {
			msgs = append(msgs, fmt.Sprintf("request header %s = %q, want %q", k, got, v))
		}
	}
	for _, m := range checkPaths(ex.Request.Body, r.JSON) {
		msgs = append(msgs, "request "+m)
	}
	if len(r.Body) > 0 {
		for _, m := range containsJSON(r.Body, ex.Request.Body) {
			msgs = append(msgs, "request "+m)
		}
	}
	if len(msgs) > 0 {
		return &AssertionError{Messages: msgs}
	}
	return nil
}

// checkPaths compares the values at gjson paths of body with want.
func checkPaths(body []byte, want map[string]any) []string {
	if len(want) == 0 {
		return nil
	}
	var msgs []string
	if !gjson.ValidBytes(body) {
		return []string{fmt.Sprintf("body is not JSON: %.80q", body)}
	}
	for path, expected := range want {
		got := gjson.GetBytes(body, path)
		if !got.Exists() {
			msgs = append(msgs, fmt.Sprintf("%s is missing", path))
			continue
		}
		if !sameJSON(got.Value(), expected) {
			msgs = append(msgs, fmt.Sprintf("%s = %s, want %s", path, got.Raw, marshalForMessage(expected)))
		}
	}
	return msgs
}

// containsJSON reports how actual differs from expected, ignoring members
// actual has in addition.
func containsJSON(expected, actual []byte) []string {
	var want, got any
	if err := json.Unmarshal(expected, &want); err != nil {
		return []string{fmt.Sprintf("expected body is not JSON: %v", err)}
	}
	if err := json.Unmarshal(actual, &got); err != nil {
		return []string{fmt.Sprintf("body is not JSON: %.80q", actual)}
	}
	patch, err := jsondiff.Compare(want, got)
	if err != nil {
		return []string{fmt.Sprintf("compare bodies: %v", err)}
	}
	var msgs []string
	for _, op := range patch {
		if op.Type == jsondiff.OperationAdd {
			continue
		}
		path := fmt.Sprint(op.Path)
		if path == "" {
			path = "/"
		}
		switch op.Type {
		case jsondiff.OperationRemove:
			msgs = append(msgs, fmt.Sprintf("%s is missing", path))
		default:
			msgs = append(msgs, fmt.Sprintf("%s = %s, want %s", path, marshalForMessage(op.Value), marshalForMessage(op.OldValue)))
		}
	}
	return msgs
}

// sameJSON compares two decoded JSON values after normalizing both through
// encoding/json.
func sameJSON(a, b any) bool {
	na, errA := normalize(a)
	nb, errB := normalize(b)
	if errA != nil || errB != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(data, &out)
	return out, err
}

func marshalForMessage(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
