package base

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestCommandKey_RoundTrip(t *testing.T) {
	groupId := uuid.NewString()
	cmdId := uuid.NewString()
	ck := MakeCommandKey(groupId, cmdId)
	gotGroup, gotCmd, err := ck.Split()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotGroup != groupId || gotCmd != cmdId {
		t.Fatalf("round trip mismatch: got %q/%q", gotGroup, gotCmd)
	}
	if err := ck.Validate(); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
}

func TestCommandKey_Invalid(t *testing.T) {
	badKeys := []string{
		"",
		"no-slash",
		"not-a-uuid/" + uuid.NewString(),
		uuid.NewString() + "/not-a-uuid",
		uuid.NewString() + "/" + uuid.NewString() + "/extra",
	}
	for _, raw := range badKeys {
		ck := CommandKey(raw)
		if err := ck.Validate(); err == nil {
			t.Fatalf("expected error for key %q", raw)
		}
	}
}

func TestCommandKey_ErrorCode(t *testing.T) {
	err := CommandKey("junk").Validate()
	if GetErrorCode(err) != ECInvalidKey {
		t.Fatalf("expected code %s, got %q", ECInvalidKey, GetErrorCode(err))
	}
}

func TestCodedError_Unwrap(t *testing.T) {
	inner := CodedErrorf(ECInvalidCwd, "dir %q does not exist", "/nope")
	if GetErrorCode(inner) != ECInvalidCwd {
		t.Fatalf("expected code %s, got %q", ECInvalidCwd, GetErrorCode(inner))
	}
	if !strings.Contains(inner.Error(), "/nope") {
		t.Fatalf("message lost: %v", inner)
	}
}

func TestUnameString_Format(t *testing.T) {
	uname := UnameString()
	if !strings.Contains(uname, "|") {
		t.Fatalf("expected os|arch, got %q", uname)
	}
}
