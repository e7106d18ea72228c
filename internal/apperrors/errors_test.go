package apperrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindsMatchSentinelsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("handler: %w", NotFound("upload.progress", "upload session", "abc"))
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if IsState(err) || IsTransient(err) {
		t.Fatalf("kind must not match other sentinels")
	}
	if KindOf(err) != KindNotFound {
		t.Fatalf("unexpected kind %v", KindOf(err))
	}
}

func TestTransientKeepsExistingClassification(t *testing.T) {
	base := State("upload.complete", "missing chunks %v", []int{2})
	if got := Transient("upload.complete", base); !IsState(got) {
		t.Fatalf("expected state error to pass through, got %v", got)
	}
	raw := errors.New("connection reset")
	wrapped := Transient("blob.put", raw)
	if !IsTransient(wrapped) || !errors.Is(wrapped, raw) {
		t.Fatalf("expected transient wrapping of raw error, got %v", wrapped)
	}
	if Transient("noop", nil) != nil {
		t.Fatalf("nil input must stay nil")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Validation("upload.initiate", "total size must be positive, got %d", 0)
	want := "upload.initiate: validation: total size must be positive, got 0"
	if err.Error() != want {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestEncodeWrapsEncoderFailure(t *testing.T) {
	err := Encode("ffmpeg.encode", errors.New("exit status 1"))
	if !IsEncode(err) {
		t.Fatalf("expected encode kind")
	}
	if again := Encode("worker", err); again != err {
		t.Fatalf("expected encode error to be returned unchanged")
	}
}
