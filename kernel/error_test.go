package kernel

import "testing"

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "foo",
		Message: "error message",
		Kind:    KindInvalidArgument,
	}

	if err.Error() != err.Message {
		t.Fatalf("expected err.Error() to return %q; got %q", err.Message, err.Error())
	}
}

func TestKindString(t *testing.T) {
	specs := []struct {
		kind Kind
		want string
	}{
		{KindUnspecified, "unspecified"},
		{KindOutOfMemory, "out of memory"},
		{KindDeviceTimeout, "device timeout"},
		{KindDeviceError, "device error"},
		{KindInvalidArgument, "invalid argument"},
		{KindNotReady, "not ready"},
		{KindFatal, "fatal"},
		{Kind(255), "unspecified"},
	}

	for _, spec := range specs {
		if got := spec.kind.String(); got != spec.want {
			t.Errorf("Kind(%d).String() = %q; want %q", spec.kind, got, spec.want)
		}
	}
}
