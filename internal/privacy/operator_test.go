package privacy

import (
	"reflect"
	"testing"
	"time"
)

func testClock() func() time.Time {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestUnknownUserIsDenied(t *testing.T) {
	op := NewOperator()
	if op.IsAllowed("ghost", "text") {
		t.Fatal("unknown user should be denied")
	}
}

func TestGrantAndDenyOverwrite(t *testing.T) {
	op := NewOperator().WithClock(testClock())

	op.Grant("ana", []string{"text", "audio"})
	if !op.IsAllowed("ana", "text") || !op.IsAllowed("ana", "audio") {
		t.Fatal("granted tags should be allowed")
	}

	op.Deny("ana", []string{"audio"})
	if op.IsAllowed("ana", "audio") {
		t.Fatal("denial should overwrite the grant")
	}

	op.Grant("ana", []string{"audio"})
	if !op.IsAllowed("ana", "audio") {
		t.Fatal("re-grant should overwrite the denial")
	}
}

func TestDenialWinsOverLayer(t *testing.T) {
	op := NewOperator().WithClock(testClock())
	op.RegisterLayer(PolicyLayer{
		Name:          "household",
		Scope:         map[string]bool{"video": true},
		DefaultAction: "allow",
	})

	op.Grant("ana", []string{"text"})
	if !op.IsAllowed("ana", "video") {
		t.Fatal("layer default allow should apply")
	}

	op.Deny("ana", []string{"video"})
	if op.IsAllowed("ana", "video") {
		t.Fatal("explicit denial must win over the layer")
	}
}

func TestFirstMatchingLayerWins(t *testing.T) {
	op := NewOperator().WithClock(testClock())
	op.RegisterLayer(PolicyLayer{
		Name:          "strict",
		Scope:         map[string]bool{"location": true},
		DefaultAction: "deny",
	})
	op.RegisterLayer(PolicyLayer{
		Name:          "lenient",
		Scope:         map[string]bool{"location": true, "sensors": true},
		DefaultAction: "allow",
	})

	op.Grant("ana", []string{"text"})
	if op.IsAllowed("ana", "location") {
		t.Fatal("first layer (deny) should decide location")
	}
	if !op.IsAllowed("ana", "sensors") {
		t.Fatal("second layer should decide sensors")
	}
}

func TestEnforcePreservesOrder(t *testing.T) {
	op := NewOperator().WithClock(testClock())
	op.Grant("ana", []string{"text", "image"})
	op.Deny("ana", []string{"audio"})

	got := op.Enforce("ana", []string{"audio", "text", "video", "image"})
	want := []string{"text", "image"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("enforce = %v, want %v", got, want)
	}
}

func TestRecordAccessIssuesProofsAndIncidents(t *testing.T) {
	op := NewOperator().WithClock(testClock())
	op.Grant("ana", []string{"text"})

	proofs := op.RecordAccess("research", "ana", []string{"text", "audio"})
	if len(proofs) != 1 {
		t.Fatalf("proofs = %d, want 1", len(proofs))
	}
	if proofs[0].DataType != "text" || proofs[0].PolicyLayer != "direct" {
		t.Fatalf("proof = %+v", proofs[0])
	}
	if proofs[0].ProofHash == "" {
		t.Fatal("proof hash missing")
	}

	incidents := op.AuditLog()
	if len(incidents) != 1 || incidents[0].Skill != "research" {
		t.Fatalf("incidents = %+v", incidents)
	}
}

func TestProofHashIsDeterministic(t *testing.T) {
	op := NewOperator().WithClock(testClock())
	op.Grant("ana", []string{"text"})

	first := op.RecordAccess("s", "ana", []string{"text"})[0].ProofHash
	second := op.RecordAccess("s", "ana", []string{"text"})[0].ProofHash
	if first != second {
		t.Fatalf("proof hashes differ: %s vs %s", first, second)
	}
}

func TestExportState(t *testing.T) {
	op := NewOperator().WithClock(testClock())
	op.Grant("ana", []string{"text", "audio"})
	op.Deny("ana", []string{"video"})

	state := op.ExportState()
	record, ok := state["ana"]
	if !ok {
		t.Fatal("missing record for ana")
	}
	if got := record["allowed"].([]string); !reflect.DeepEqual(got, []string{"audio", "text"}) {
		t.Fatalf("allowed = %v", got)
	}
	if got := record["denied"].([]string); !reflect.DeepEqual(got, []string{"video"}) {
		t.Fatalf("denied = %v", got)
	}
}
