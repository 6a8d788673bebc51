package lib

import "testing"

func hasAction(actions []stateAction, want stateAction) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

// step asserts a single accepted transition and returns the actions.
func step(t *testing.T, from State, ev stateEvent, want State) []stateAction {
	t.Helper()
	got, actions, ok := transition(from, ev)
	if !ok {
		t.Fatalf("%s + %s: transition rejected", from, ev)
	}
	if got != want {
		t.Fatalf("%s + %s = %s, want %s", from, ev, got, want)
	}
	return actions
}

func TestPassiveOpen(t *testing.T) {
	actions := step(t, StateListen, evSyn, StateSynReceived)
	if !hasAction(actions, actSendSynAck) {
		t.Error("SYN in LISTEN must answer with SYN+ACK")
	}
	actions = step(t, StateSynReceived, evAckOfSyn, StateEstablished)
	if !hasAction(actions, actEstablish) {
		t.Error("final handshake ACK must establish the connection")
	}
}

func TestActiveOpen(t *testing.T) {
	actions := step(t, StateSynSent, evSynAck, StateEstablished)
	if !hasAction(actions, actSendAck) || !hasAction(actions, actEstablish) {
		t.Errorf("SYN+ACK in SYN_SENT must ack and establish, got %v", actions)
	}
}

func TestSimultaneousOpen(t *testing.T) {
	actions := step(t, StateSynSent, evSyn, StateSynReceived)
	if !hasAction(actions, actSendSynAck) {
		t.Error("crossing SYN must be answered with SYN+ACK")
	}
	step(t, StateSynReceived, evAckOfSyn, StateEstablished)
}

func TestActiveClose(t *testing.T) {
	actions := step(t, StateEstablished, evAppClose, StateFinWait1)
	if !hasAction(actions, actSendFin) {
		t.Error("application close must emit a FIN")
	}
	step(t, StateFinWait1, evAckOfFin, StateFinWait2)
	actions = step(t, StateFinWait2, evFin, StateTimeWait)
	if !hasAction(actions, actSendAck) || !hasAction(actions, actDeliverEOF) || !hasAction(actions, actStartTimeWait) {
		t.Errorf("peer FIN in FIN_WAIT_2 must ack, deliver EOF, and start 2MSL, got %v", actions)
	}
	actions = step(t, StateTimeWait, evTimeWaitExpire, StateClosed)
	if !hasAction(actions, actRemove) {
		t.Error("2MSL expiry must remove the connection")
	}
}

func TestPassiveClose(t *testing.T) {
	actions := step(t, StateEstablished, evFin, StateCloseWait)
	if !hasAction(actions, actSendAck) || !hasAction(actions, actDeliverEOF) {
		t.Errorf("peer FIN must be acked and surfaced as EOF, got %v", actions)
	}
	step(t, StateCloseWait, evAppClose, StateLastAck)
	actions = step(t, StateLastAck, evAckOfFin, StateClosed)
	if !hasAction(actions, actRemove) {
		t.Error("acknowledged FIN in LAST_ACK must remove the connection")
	}
}

func TestSimultaneousClose(t *testing.T) {
	step(t, StateEstablished, evAppClose, StateFinWait1)
	step(t, StateFinWait1, evFin, StateClosing)
	actions := step(t, StateClosing, evAckOfFin, StateTimeWait)
	if !hasAction(actions, actStartTimeWait) {
		t.Error("CLOSING must enter TIME_WAIT once our FIN is acknowledged")
	}
}

func TestRetransmittedFinRestartsTimeWait(t *testing.T) {
	actions := step(t, StateTimeWait, evFin, StateTimeWait)
	if !hasAction(actions, actSendAck) || !hasAction(actions, actStartTimeWait) {
		t.Errorf("a FIN replay in TIME_WAIT must re-ack and restart 2MSL, got %v", actions)
	}
}

func TestResetAbortsEveryState(t *testing.T) {
	states := []State{
		StateSynSent, StateSynReceived, StateEstablished, StateFinWait1,
		StateFinWait2, StateCloseWait, StateClosing, StateLastAck, StateTimeWait,
	}
	for _, s := range states {
		actions := step(t, s, evRst, StateClosed)
		if !hasAction(actions, actReset) || !hasAction(actions, actRemove) {
			t.Errorf("%s + RST: got actions %v, want reset and remove", s, actions)
		}
	}
}

func TestMeaninglessEventsAreRejected(t *testing.T) {
	testCases := []struct {
		state State
		ev    stateEvent
	}{
		{StateEstablished, evSynAck},
		{StateEstablished, evAckOfFin},
		{StateListen, evFin},
		{StateListen, evAppClose},
		{StateTimeWait, evAppClose},
		{StateFinWait2, evAppClose},
		{StateClosed, evSyn},
	}
	for _, tc := range testCases {
		if _, _, ok := transition(tc.state, tc.ev); ok {
			t.Errorf("%s + %s: accepted, want rejection", tc.state, tc.ev)
		}
	}
}
