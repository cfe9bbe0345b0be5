package subchannel

import (
	"reflect"
	"testing"
)

func TestStepTable(t *testing.T) {
	cases := []struct {
		name    string
		state   State
		event   Event
		want    State
		actions []Action
	}{
		{"idle remote_open opens", StateIdle, EventRemoteOpen, StateOpen, nil},
		{"idle local_data is protocol error", StateIdle, EventLocalData, StateIdle, []Action{ActionProtocolError}},
		{"open remote_open is protocol error", StateOpen, EventRemoteOpen, StateOpen, []Action{ActionProtocolError}},
		{"open remote_data delivers", StateOpen, EventRemoteData, StateOpen, []Action{ActionDeliver}},
		{"open local_data sends", StateOpen, EventLocalData, StateOpen, []Action{ActionSendData}},
		{"open local_close moves to closing", StateOpen, EventLocalClose, StateClosing, []Action{ActionSendClose}},
		{"open remote_close closes", StateOpen, EventRemoteClose, StateClosed, []Action{ActionSendClose, ActionDeregister}},
		{"closing remote_close finalizes", StateClosing, EventRemoteClose, StateClosed, []Action{ActionDeregister, ActionFinalize}},
		{"closing remote_data ignored", StateClosing, EventRemoteData, StateClosing, []Action{ActionIgnore}},
		{"closing local_data is protocol error", StateClosing, EventLocalData, StateClosing, []Action{ActionProtocolError}},
		{"closed anything is protocol error", StateClosed, EventRemoteData, StateClosed, []Action{ActionProtocolError}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotState, gotActions := Step(tc.state, tc.event)
			if gotState != tc.want {
				t.Errorf("state = %s, want %s", gotState, tc.want)
			}
			if !reflect.DeepEqual(gotActions, tc.actions) {
				t.Errorf("actions = %v, want %v", gotActions, tc.actions)
			}
		})
	}
}

func TestStepNeverPanicsOnUnknownState(t *testing.T) {
	state, actions := Step(State(99), EventRemoteData)
	if len(actions) != 1 || actions[0] != ActionProtocolError {
		t.Errorf("unknown state: actions = %v, want [ActionProtocolError]", actions)
	}
	if state != State(99) {
		t.Errorf("unknown state should be left unchanged, got %s", state)
	}
}
