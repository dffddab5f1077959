package supervisor

import (
	"os"
	"testing"
)

// A pid far above any default pid_max, guaranteed dead.
const deadPID = 1 << 27

func newStore(t *testing.T) *RecordStore {
	t.Helper()
	s, err := NewRecordStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestRecordRoundTrip(t *testing.T) {
	s := newStore(t)
	if err := s.Write("srv-1", 1234); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := s.Read("srv-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != 1234 {
		t.Fatalf("pid = %d, want 1234", pid)
	}
	if err := s.Remove("srv-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.Read("srv-1"); !os.IsNotExist(err) {
		t.Fatalf("want not-exist after remove, got %v", err)
	}
	// Removing again is fine.
	if err := s.Remove("srv-1"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestRecordConflictWithLiveProcess(t *testing.T) {
	s := newStore(t)
	if err := s.Write("srv-1", os.Getpid()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Write("srv-1", 4321); err == nil {
		t.Fatal("want conflict against live pid")
	}
}

func TestRecordStaleOverwrite(t *testing.T) {
	s := newStore(t)
	if err := s.Write("srv-1", deadPID); err != nil {
		t.Fatalf("write stale: %v", err)
	}
	if err := s.Write("srv-1", os.Getpid()); err != nil {
		t.Fatalf("overwrite stale: %v", err)
	}
	pid, err := s.Read("srv-1")
	if err != nil || pid != os.Getpid() {
		t.Fatalf("read = %d, %v", pid, err)
	}
}

func TestRecordMalformed(t *testing.T) {
	s := newStore(t)
	if err := os.WriteFile(s.Path("bad"), []byte("not a pid"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := s.Read("bad"); err == nil {
		t.Fatal("want error for malformed record")
	}
}

func TestRecordList(t *testing.T) {
	s := newStore(t)
	for _, id := range []string{"engine-a", "engine-b", "other-c"} {
		if err := s.Write(id, deadPID); err != nil {
			t.Fatalf("write %s: %v", id, err)
		}
	}
	ids, err := s.List("engine-*")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}
	all, err := s.List("")
	if err != nil || len(all) != 3 {
		t.Fatalf("all = %v, %v", all, err)
	}
}

func TestPidAlive(t *testing.T) {
	alive, err := pidAlive(os.Getpid())
	if err != nil || !alive {
		t.Fatalf("self alive = %v, %v", alive, err)
	}
	alive, err = pidAlive(deadPID)
	if err != nil || alive {
		t.Fatalf("dead pid alive = %v, %v", alive, err)
	}
	alive, err = pidAlive(0)
	if err != nil || alive {
		t.Fatalf("pid 0 alive = %v, %v", alive, err)
	}
}
