package tracking

import "testing"

func TestNew_InitialState(t *testing.T) {
	c := New(7)
	if c.Pos() != 7 {
		t.Fatalf("Pos() = %d, want 7", c.Pos())
	}
	if c.SyncStatus() != NoSync {
		t.Fatalf("SyncStatus() = %v, want NoSync", c.SyncStatus())
	}
	if c.IsInjected() {
		t.Fatal("IsInjected() should be false initially")
	}
	if c.ShouldInject() {
		t.Fatal("ShouldInject() should be false initially")
	}
}

func TestShouldInject_AfterThreeUnsyncedRounds(t *testing.T) {
	c := New(0)
	for i := 0; i < 3; i++ {
		if c.ShouldInject() {
			t.Fatalf("ShouldInject() became true too early, at round %d", i)
		}
		c.UnsyncedMeasurement()
	}
	if !c.ShouldInject() {
		t.Fatal("ShouldInject() should be true once unsynced > 2")
	}
}

func TestSyncHit_ResetsUnsyncedAndAdvances(t *testing.T) {
	c := New(0)
	c.UnsyncedMeasurement()
	c.UnsyncedMeasurement()
	c.UnsyncedMeasurement()
	c.Inject()
	c.SyncHit(4)

	if c.Pos() != 4 {
		t.Fatalf("Pos() = %d, want 4", c.Pos())
	}
	if c.SyncStatus() != Hit {
		t.Fatalf("SyncStatus() = %v, want Hit", c.SyncStatus())
	}
	if c.ShouldInject() {
		t.Fatal("ShouldInject() should be false right after a sync hit")
	}
}

func TestSyncMiss_ArmsImmediateRetry(t *testing.T) {
	c := New(0)
	c.Inject()
	c.SyncMiss(9)

	if c.Pos() != 9 {
		t.Fatalf("Pos() = %d, want 9", c.Pos())
	}
	if c.SyncStatus() != Miss {
		t.Fatalf("SyncStatus() = %v, want Miss", c.SyncStatus())
	}
	if !c.ShouldInject() {
		t.Fatal("ShouldInject() should be true immediately after a sync miss")
	}
}

func TestUnsyncedMeasurement_ClearsShouldSend(t *testing.T) {
	c := New(0)
	c.Inject()
	c.SyncMiss(5)
	if !c.ShouldInject() {
		t.Fatal("precondition: ShouldInject() should be true after a miss")
	}
	c.UnsyncedMeasurement()
	if c.ShouldInject() {
		t.Fatal("ShouldInject() should clear after an unsynced measurement resets should_send")
	}
	if c.SyncStatus() != NoSync {
		t.Fatalf("SyncStatus() = %v, want NoSync", c.SyncStatus())
	}
}
