package sqlite

import "testing"

func TestFlags(t *testing.T) {
	env := newTestEnv(t)

	v, err := env.Store.GetFlag(env.Ctx, "kill_switch")
	if err != nil {
		t.Fatalf("GetFlag failed: %v", err)
	}
	if v != "" {
		t.Errorf("unset flag = %q, want empty", v)
	}

	active, err := env.Store.KillSwitchActive(env.Ctx)
	if err != nil {
		t.Fatalf("KillSwitchActive failed: %v", err)
	}
	if active {
		t.Error("kill switch should be off by default")
	}

	if err := env.Store.SetFlag(env.Ctx, "kill_switch", "1"); err != nil {
		t.Fatalf("SetFlag failed: %v", err)
	}
	active, err = env.Store.KillSwitchActive(env.Ctx)
	if err != nil {
		t.Fatalf("KillSwitchActive failed: %v", err)
	}
	if !active {
		t.Error("kill switch should be on")
	}

	// Upsert overwrites.
	if err := env.Store.SetFlag(env.Ctx, "kill_switch", "0"); err != nil {
		t.Fatalf("SetFlag failed: %v", err)
	}
	active, _ = env.Store.KillSwitchActive(env.Ctx)
	if active {
		t.Error("kill switch should be off after reset")
	}
}
