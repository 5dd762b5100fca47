package uplink

import "testing"

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		state SessionState
		want  string
	}{
		{StateIdle, "idle"},
		{StateConnectingPrimary, "connecting"},
		{StateConnectingFallback, "connecting-fallback"},
		{StateConnectedPrimary, "connected"},
		{StateConnectedFallback, "connected-fallback"},
		{StateDisconnected, "disconnected"},
		{SessionState(99), "unknown(99)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("SessionState(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestSessionStatePredicates(t *testing.T) {
	tests := []struct {
		state         SessionState
		connected     bool
		usingFallback bool
	}{
		{StateIdle, false, false},
		{StateConnectingPrimary, false, false},
		{StateConnectingFallback, false, true},
		{StateConnectedPrimary, true, false},
		{StateConnectedFallback, true, true},
		{StateDisconnected, false, false},
	}

	for _, tt := range tests {
		if got := tt.state.IsConnected(); got != tt.connected {
			t.Errorf("%v.IsConnected() = %v, want %v", tt.state, got, tt.connected)
		}
		if got := tt.state.UsingFallback(); got != tt.usingFallback {
			t.Errorf("%v.UsingFallback() = %v, want %v", tt.state, got, tt.usingFallback)
		}
	}
}
