package warpq

import "testing"

func TestPolicyAllowsReuse(t *testing.T) {
	statuses := map[string]Status{
		"completed":   Completed(),
		"downloading": Downloading(),
		"waiting":     Waiting(),
		"paused":      Paused(),
		"failed":      Failed("x"),
	}

	want := map[Policy]map[string]bool{
		ReuseExisting: {
			"completed": true, "downloading": true, "waiting": true,
			"paused": true, "failed": true,
		},
		AllowDuplicate: {
			"completed": false, "downloading": false, "waiting": false,
			"paused": false, "failed": false,
		},
		PromptUser: {
			"completed": false, "downloading": false, "waiting": false,
			"paused": false, "failed": false,
		},
		ReuseIfComplete: {
			"completed": true, "downloading": false, "waiting": false,
			"paused": false, "failed": false,
		},
		ReuseIfIncomplete: {
			"completed": false, "downloading": true, "waiting": true,
			"paused": true, "failed": true,
		},
		FailIfDuplicate: {
			"completed": false, "downloading": false, "waiting": false,
			"paused": false, "failed": false,
		},
	}

	for policy, table := range want {
		for name, expect := range table {
			if got := policy.AllowsReuse(statuses[name]); got != expect {
				t.Errorf("%s.AllowsReuse(%s) = %v, want %v", policy, name, got, expect)
			}
		}
	}
}

func TestPolicyFlags(t *testing.T) {
	if !FailIfDuplicate.FailsOnDuplicate() {
		t.Error("FailIfDuplicate should fail on duplicate")
	}
	if !PromptUser.RequiresDecision() {
		t.Error("PromptUser should require a decision")
	}
	for _, p := range []Policy{ReuseExisting, AllowDuplicate, ReuseIfComplete, ReuseIfIncomplete} {
		if p.FailsOnDuplicate() || p.RequiresDecision() {
			t.Errorf("%s should neither fail nor prompt", p)
		}
	}
}
