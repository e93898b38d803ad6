package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vinayprograms/orchestrator/credentials"
	"github.com/vinayprograms/orchestrator/signer"
	"github.com/vinayprograms/orchestrator/state"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		configPath, credentialsPath, logLevel = "", "", ""
		inspectStatePath, signVerify = "", ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestInspectSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	st := state.NewState()
	st.Counters.TasksProcessed = 7
	st.Approvals = append(st.Approvals, &state.ApprovalRequest{TaskID: "t1", Status: state.ApprovalPending})
	st.Milestones = append(st.Milestones, &state.MilestoneDeliveryRecord{IdempotencyKey: "k", Status: state.DeliveryDeadLetter})
	if err := state.Save(path, st, state.DefaultLimits()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	out, err := execute(t, "", "inspect", "--state", path)
	if err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	for _, want := range []string{"tasks processed", "7", "approvals pending", "milestones dead-letter"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "", "inspect", "approvals", "--state", path)
	if err != nil {
		t.Fatalf("inspect approvals failed: %v", err)
	}
	if !strings.Contains(out, `"taskId": "t1"`) {
		t.Errorf("approvals output = %s", out)
	}

	if _, err := execute(t, "", "inspect", "bogus", "--state", path); err == nil {
		t.Error("unknown section should fail")
	}
}

func TestSignMatchesSigner(t *testing.T) {
	t.Setenv(credentials.EnvSigningSecret, "s3cret")
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)

	out, err := execute(t, `{"b":1,"a":{"d":2,"c":3}}`, "sign")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	want, _ := signer.Sign(map[string]any{"a": map[string]any{"c": 3, "d": 2}, "b": 1}, "s3cret")
	if !strings.Contains(out, `{"a":{"c":3,"d":2},"b":1}`) || !strings.Contains(out, "X-Signature: "+want) {
		t.Errorf("sign output = %s", out)
	}

	if _, err := execute(t, `{"a":{"d":2,"c":3},"b":1}`, "sign", "--verify", want); err != nil {
		t.Errorf("verify of reordered document failed: %v", err)
	}
	if _, err := execute(t, `{"a":1}`, "sign", "--verify", want); err == nil {
		t.Error("verify should fail for a different document")
	}
}

func TestSignWithoutSecret(t *testing.T) {
	t.Setenv(credentials.EnvSigningSecret, "")
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)

	if _, err := execute(t, `{}`, "sign"); err == nil {
		t.Error("signing without a secret should fail")
	}
}
