package resonite

import (
	"encoding/json"
	"testing"
)

func TestSplitRecords(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty", in: "", want: nil},
		{name: "single", in: "{}\x1e", want: []string{"{}"}},
		{name: "batched", in: `{"type":6}` + "\x1e" + `{"type":1}` + "\x1e", want: []string{`{"type":6}`, `{"type":1}`}},
		{name: "missing trailer", in: `{"type":6}`, want: []string{`{"type":6}`}},
		{name: "blank records", in: "\x1e \x1e{}\x1e", want: []string{"{}"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitRecords([]byte(tt.in))
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d records, got %d (%q)", len(tt.want), len(got), got)
			}
			for i := range got {
				if string(got[i]) != tt.want[i] {
					t.Errorf("record %d: expected %q, got %q", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestInvocationRecord(t *testing.T) {
	rec := invocationRecord(methodRequestStatus, nil, false)
	if rec[len(rec)-1] != recordSeparator {
		t.Fatal("expected trailing record separator")
	}

	var msg hubMessage
	if err := json.Unmarshal(rec[:len(rec)-1], &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != messageInvocation || msg.Target != methodRequestStatus {
		t.Errorf("unexpected header %+v", msg)
	}
	if len(msg.Arguments) != 2 || string(msg.Arguments[0]) != "null" || string(msg.Arguments[1]) != "false" {
		t.Errorf("unexpected arguments %q", msg.Arguments)
	}
}

func TestHandshakeAndPingRecords(t *testing.T) {
	if got := string(handshakeRecord()); got != `{"protocol":"json","version":1}`+"\x1e" {
		t.Errorf("unexpected handshake %q", got)
	}
	if got := string(pingRecord()); got != `{"type":6}`+"\x1e" {
		t.Errorf("unexpected ping %q", got)
	}
}
