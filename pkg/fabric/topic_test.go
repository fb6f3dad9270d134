package fabric

import "testing"

func TestParseTopic_Plain(t *testing.T) {
	addr := ParseTopic("Lights")
	if addr.Base != "Lights" || addr.TargetNode != "" || addr.Scope != "" {
		t.Fatalf("unexpected parse result: %+v", addr)
	}
	if addr.IsDirect() || addr.IsSystemwide() {
		t.Error("plain topic must be neither direct nor systemwide")
	}
}

func TestParseTopic_ScopeSuffix(t *testing.T) {
	addr := ParseTopic("Lights@S1")
	if addr.Base != "Lights" {
		t.Errorf("expected base 'Lights', got %q", addr.Base)
	}
	if addr.Scope != "S1" {
		t.Errorf("expected scope 'S1', got %q", addr.Scope)
	}
}

func TestParseTopic_DirectSuffix(t *testing.T) {
	addr := ParseTopic("CDE_SYSTEMWIDE;node-17")
	if !addr.IsSystemwide() {
		t.Error("expected systemwide base")
	}
	if !addr.IsDirect() || addr.TargetNode != "node-17" {
		t.Errorf("expected direct target 'node-17', got %q", addr.TargetNode)
	}
}

func TestParseTopic_DirectAndScope(t *testing.T) {
	addr := ParseTopic("CDE_SYSTEMWIDE;node-17@S1")
	if addr.Base != TopicSystemwide {
		t.Errorf("expected base %q, got %q", TopicSystemwide, addr.Base)
	}
	if addr.TargetNode != "node-17" {
		t.Errorf("expected target 'node-17', got %q", addr.TargetNode)
	}
	if addr.Scope != "S1" {
		t.Errorf("expected scope 'S1', got %q", addr.Scope)
	}
}

func TestTopicAddress_RoundTrip(t *testing.T) {
	topics := []string{
		"Lights",
		"Lights@S1",
		"CDE_SYSTEMWIDE;node-17",
		"CDE_SYSTEMWIDE;node-17@S1",
	}
	for _, topic := range topics {
		if got := ParseTopic(topic).String(); got != topic {
			t.Errorf("round trip of %q produced %q", topic, got)
		}
	}
}

func TestIsControlCommand(t *testing.T) {
	for _, cmd := range []string{CmdSubscribe, CmdUnsubscribe, CmdConnect, CmdDeleteOrphan, CmdServiceInfo} {
		if !IsControlCommand(cmd) {
			t.Errorf("%q must be a control command", cmd)
		}
	}
	if IsControlCommand("TURN_ON") {
		t.Error("user command misclassified as control")
	}
}

func TestSubscriptionEntry_Matches(t *testing.T) {
	unscoped := SubscriptionEntry{Topic: "Lights"}
	scoped := SubscriptionEntry{Topic: "Lights", Scope: "S1"}

	if !unscoped.Matches("Lights", "S1") {
		t.Error("unscoped subscription must match any scope")
	}
	if !scoped.Matches("Lights", "S1") {
		t.Error("scoped subscription must match its own scope")
	}
	if scoped.Matches("Lights", "S2") {
		t.Error("scoped subscription must not match a foreign scope")
	}
	if scoped.Matches("Heating", "S1") {
		t.Error("subscription must not match a different topic")
	}
}

func TestEnvelope_StampScopeOnce(t *testing.T) {
	e := NewEnvelope("node-a", "Lights@S1")
	if !e.StampScope("S1") {
		t.Fatal("first stamp must succeed")
	}
	if e.StampScope("S2") {
		t.Fatal("second stamp must be a no-op")
	}
	if e.Scope != "S1" {
		t.Errorf("expected scope 'S1', got %q", e.Scope)
	}
}

func TestEnvelope_CloneCopiesBinary(t *testing.T) {
	e := NewEnvelope("node-a", "Lights")
	e.Binary = []byte{1, 2, 3}
	clone := e.Clone()
	clone.Binary[0] = 9
	if e.Binary[0] != 1 {
		t.Error("clone must not alias the original payload")
	}
}

func TestEnvelope_EncodeDecode(t *testing.T) {
	e := NewEnvelope("node-a", "Lights@S1")
	e.Command = "TURN_ON"
	e.Sequence = 42
	data, err := e.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if decoded.Originator != "node-a" || decoded.Topic != "Lights@S1" || decoded.Sequence != 42 {
		t.Errorf("decoded envelope mismatch: %+v", decoded)
	}
}
