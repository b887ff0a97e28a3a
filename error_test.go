package txmap

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorWrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := error(Error{Code: CommitVetoed, Err: cause, UserData: "members"})

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is does not see the cause")
	}
	var txe Error
	if !errors.As(err, &txe) || txe.Code != CommitVetoed {
		t.Errorf("errors.As did not recover the code")
	}
	msg := err.Error()
	if !strings.Contains(msg, "commit vetoed") || !strings.Contains(msg, "boom") || !strings.Contains(msg, "members") {
		t.Errorf("unexpected message %q", msg)
	}
	if s := ErrorCode(99).String(); s != "error code 99" {
		t.Errorf("got %q for an unknown code", s)
	}
}
