package lib

// State enumerates the connection states of the transport state machine.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	}
	return "UNKNOWN"
}

// stateEvent is one input to the state machine. The engine classifies each
// inbound segment (and each application call) into events and always applies
// acknowledgment events before data or FIN events, so a segment carrying
// FIN+ACK walks FIN_WAIT_1 through FIN_WAIT_2 into TIME_WAIT in one pass.
type stateEvent int

const (
	evSyn stateEvent = iota
	evSynAck
	evAckOfSyn
	evFin
	evAckOfFin
	evRst
	evAppClose
	evTimeWaitExpire
)

func (e stateEvent) String() string {
	switch e {
	case evSyn:
		return "SYN"
	case evSynAck:
		return "SYN+ACK"
	case evAckOfSyn:
		return "ACK-of-SYN"
	case evFin:
		return "FIN"
	case evAckOfFin:
		return "ACK-of-FIN"
	case evRst:
		return "RST"
	case evAppClose:
		return "app close"
	case evTimeWaitExpire:
		return "2MSL expiry"
	}
	return "unknown"
}

// stateAction is a side effect the engine must carry out after a transition.
// The machine itself stays pure so the transitions can be tested in
// isolation.
type stateAction int

const (
	actSendSynAck stateAction = iota
	actSendAck
	actSendFin
	actEstablish
	actDeliverEOF
	actReset
	actRemove
	actStartTimeWait
)

// transition applies one event to a state and returns the successor state
// plus the actions the engine must perform. ok is false when the event is
// not meaningful in that state; the engine treats those as no-ops (stray
// duplicates) rather than protocol errors.
func transition(state State, ev stateEvent) (State, []stateAction, bool) {
	switch state {
	case StateListen:
		if ev == evSyn {
			return StateSynReceived, []stateAction{actSendSynAck}, true
		}

	case StateSynSent:
		switch ev {
		case evSynAck:
			return StateEstablished, []stateAction{actSendAck, actEstablish}, true
		case evSyn:
			// simultaneous open
			return StateSynReceived, []stateAction{actSendSynAck}, true
		case evRst:
			return StateClosed, []stateAction{actReset, actRemove}, true
		case evAppClose:
			return StateClosed, []stateAction{actRemove}, true
		}

	case StateSynReceived:
		switch ev {
		case evAckOfSyn:
			return StateEstablished, []stateAction{actEstablish}, true
		case evFin:
			return StateCloseWait, []stateAction{actSendAck, actDeliverEOF}, true
		case evRst:
			return StateClosed, []stateAction{actReset, actRemove}, true
		case evAppClose:
			return StateFinWait1, []stateAction{actSendFin}, true
		}

	case StateEstablished:
		switch ev {
		case evFin:
			return StateCloseWait, []stateAction{actSendAck, actDeliverEOF}, true
		case evAppClose:
			return StateFinWait1, []stateAction{actSendFin}, true
		case evRst:
			return StateClosed, []stateAction{actReset, actRemove}, true
		}

	case StateFinWait1:
		switch ev {
		case evAckOfFin:
			return StateFinWait2, nil, true
		case evFin:
			// simultaneous close
			return StateClosing, []stateAction{actSendAck, actDeliverEOF}, true
		case evRst:
			return StateClosed, []stateAction{actReset, actRemove}, true
		}

	case StateFinWait2:
		switch ev {
		case evFin:
			return StateTimeWait, []stateAction{actSendAck, actDeliverEOF, actStartTimeWait}, true
		case evRst:
			return StateClosed, []stateAction{actReset, actRemove}, true
		}

	case StateCloseWait:
		switch ev {
		case evAppClose:
			return StateLastAck, []stateAction{actSendFin}, true
		case evRst:
			return StateClosed, []stateAction{actReset, actRemove}, true
		}

	case StateClosing:
		switch ev {
		case evAckOfFin:
			return StateTimeWait, []stateAction{actStartTimeWait}, true
		case evRst:
			return StateClosed, []stateAction{actReset, actRemove}, true
		}

	case StateLastAck:
		switch ev {
		case evAckOfFin:
			return StateClosed, []stateAction{actRemove}, true
		case evRst:
			return StateClosed, []stateAction{actReset, actRemove}, true
		}

	case StateTimeWait:
		switch ev {
		case evFin:
			// the peer retransmitted its FIN: ack again and restart 2MSL
			return StateTimeWait, []stateAction{actSendAck, actStartTimeWait}, true
		case evTimeWaitExpire:
			return StateClosed, []stateAction{actRemove}, true
		case evRst:
			return StateClosed, []stateAction{actReset, actRemove}, true
		}
	}

	return state, nil, false
}
