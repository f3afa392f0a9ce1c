package netext

import "testing"

func TestFlowModeString(t *testing.T) {
	cases := map[FlowMode]string{
		ModePassThrough: "pass-through",
		ModeFullMITM:    "full-mitm",
		FlowMode(99):    "unknown",
	}
	for mode, want := range cases {
		if got := mode.String(); got != want {
			t.Errorf("FlowMode(%d).String() = %q, want %q", mode, got, want)
		}
	}
}
