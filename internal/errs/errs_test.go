package errs

import (
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

var allCodes = []Code{
	InvalidRule,
	WaitTimeout,
	RouterInternal,
	InvalidArgument,
	NotFound,
	Unavailable,
	Internal,
}

type codedTimeout struct{}

func (codedTimeout) Error() string { return "timed out" }
func (codedTimeout) Code() Code    { return WaitTimeout }

func testCodeOf_RoundtripForTypedErrors(t *rapid.T) {
	code := rapid.SampledFrom(allCodes).Draw(t, "code")
	message := rapid.StringMatching(`[a-zA-Z0-9 _:\-]{1,80}`).Draw(t, "message")

	err := New(code, message)
	if got := CodeOf(err); got != code {
		t.Fatalf("CodeOf(New) mismatch: got=%q want=%q", got, code)
	}
	if got := MessageOf(err); got != message {
		t.Fatalf("MessageOf(New) mismatch: got=%q want=%q", got, message)
	}
	if got, want := Detail(err), string(code)+": "+message; got != want {
		t.Fatalf("Detail mismatch: got=%q want=%q", got, want)
	}
}

func TestCodeOf_RoundtripForTypedErrors(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testCodeOf_RoundtripForTypedErrors)
}

func testCodeOfAndMessageOf_WrappedTypedError(t *rapid.T) {
	code := rapid.SampledFrom(allCodes).Draw(t, "code")
	message := rapid.StringMatching(`[a-zA-Z0-9 _:\-]{1,80}`).Draw(t, "message")
	cause := errors.New(rapid.StringMatching(`[a-zA-Z0-9 _:\-]{1,80}`).Draw(t, "cause"))

	err := Wrap(code, message, cause)
	wrapped := fmt.Errorf("outer: %w", err)

	if got := CodeOf(wrapped); got != code {
		t.Fatalf("CodeOf(wrapped) mismatch: got=%q want=%q", got, code)
	}
	if got := MessageOf(wrapped); got != message {
		t.Fatalf("MessageOf(wrapped) mismatch: got=%q want=%q", got, message)
	}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("wrapped error lost its cause")
	}
	if !Is(wrapped, code) {
		t.Fatalf("Is(wrapped, %q) = false", code)
	}
}

func TestCodeOfAndMessageOf_WrappedTypedError(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testCodeOfAndMessageOf_WrappedTypedError)
}

func testUntypedAndNilFallbacks(t *rapid.T) {
	raw := rapid.StringMatching(`[a-zA-Z0-9 _:\-./]{1,80}`).Draw(t, "raw")
	untyped := errors.New(raw)

	if got := CodeOf(untyped); got != Internal {
		t.Fatalf("CodeOf(untyped) mismatch: got=%q want=%q", got, Internal)
	}
	if got := MessageOf(untyped); got != raw {
		t.Fatalf("MessageOf(untyped) mismatch: got=%q want=%q", got, raw)
	}
	if got := CodeOf(nil); got != Internal {
		t.Fatalf("CodeOf(nil) mismatch: got=%q want=%q", got, Internal)
	}
	if got := MessageOf(nil); got != "" {
		t.Fatalf("MessageOf(nil) mismatch: got=%q want empty", got)
	}
	if Is(nil, Internal) {
		t.Fatalf("Is(nil) should be false")
	}
}

func TestUntypedAndNilFallbacks(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testUntypedAndNilFallbacks)
}

func TestCodeOf_CodeMethod(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("step 3: %w", codedTimeout{})
	if got := CodeOf(err); got != WaitTimeout {
		t.Fatalf("CodeOf(codedTimeout) = %q, want %q", got, WaitTimeout)
	}
	if got := MessageOf(err); got != "step 3: timed out" {
		t.Fatalf("MessageOf = %q", got)
	}
}

func testClassification(t *rapid.T) {
	code := rapid.SampledFrom(append(allCodes, Code("unknown_code"))).Draw(t, "code")

	if Fatal(code) != (code == RouterInternal) {
		t.Fatalf("Fatal(%q) = %v", code, Fatal(code))
	}
	wantRetryable := code != InvalidRule && code != RouterInternal
	if Retryable(code) != wantRetryable {
		t.Fatalf("Retryable(%q) = %v, want %v", code, Retryable(code), wantRetryable)
	}
}

func TestClassification(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testClassification)
}
