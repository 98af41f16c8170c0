package ble

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestCommandWireValues(t *testing.T) {
	want := map[Command]byte{
		CommandOff: 0, CommandWater: 1, CommandBalanced: 2,
		CommandUnbalanced: 3, CommandGreatFinish: 4, CommandBadFinish: 5,
	}
	for c, b := range want {
		p := c.Payload()
		if len(p) != 1 || p[0] != b {
			t.Errorf("%s.Payload() = %v, want [%d]", c, p, b)
		}
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in      string
		want    Command
		wantErr bool
	}{
		{"WATER", CommandWater, false},
		{"great_finish", CommandGreatFinish, false},
		{" off ", CommandOff, false},
		{"5", CommandBadFinish, false},
		{"6", 0, true},
		{"-1", 0, true},
		{"PURPLE", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCommand(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCommand(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCommand(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCommandJSON(t *testing.T) {
	var body struct {
		Command Command `json:"command"`
	}
	if err := json.Unmarshal([]byte(`{"command":"UNBALANCED"}`), &body); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if body.Command != CommandUnbalanced {
		t.Errorf("command = %v, want UNBALANCED", body.Command)
	}
	out, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	if string(out) != `{"command":"UNBALANCED"}` {
		t.Errorf("Marshal = %s", out)
	}
	if Command(7).String() != "Command(7)" {
		t.Errorf("Command(7).String() = %q", Command(7).String())
	}
}

func TestCommandNotification(t *testing.T) {
	if n := CommandWater.Notification(); n.Tag != "hydration-alert" || n.Link != "/hydration" {
		t.Errorf("WATER notification = %+v", n)
	}
	for _, c := range []Command{CommandOff, CommandBalanced, CommandUnbalanced, CommandGreatFinish, CommandBadFinish} {
		n := c.Notification()
		if n.Tag != "bluetooth-command" || n.Title == "" {
			t.Errorf("%s notification = %+v", c, n)
		}
	}
}

func TestRemediation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"no services", &ConnectError{Reason: ReasonNoWritableChannel, Err: &NoWritableChannelError{NoServices: true}}, "GATT server"},
		{"no device", &ConnectError{Reason: ReasonNoDeviceSelected, Err: ErrNoDeviceSelected}, "powered on"},
		{"transport", ErrTransportUnavailable, "adapter"},
		{"insecure", ErrInsecureContext, "secure"},
		{"exhausted", ErrReconnectExhausted, "lost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Remediation(tt.err); !strings.Contains(got, tt.want) {
				t.Errorf("Remediation() = %q, want it to mention %q", got, tt.want)
			}
		})
	}
	if Remediation(nil) != "" {
		t.Error("Remediation(nil) is not empty")
	}
	if !errors.Is(errSuperseded, ErrDisconnected) {
		t.Error("errSuperseded does not wrap ErrDisconnected")
	}
}
