package redelivery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/client"
	"github.com/oriys/quasar/internal/journal"
	"github.com/oriys/quasar/internal/memory"
	"github.com/oriys/quasar/internal/server"
)

const (
	testUser   = "quasar"
	testPasswd = "quasar"
)

func startBroker(t *testing.T) string {
	t.Helper()
	srv := server.New(server.Config{
		Addr:     "127.0.0.1:0",
		UserName: testUser,
		Passwd:   testPasswd,
	}, memory.NewStore(), nil, nil)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv.Addr()
}

func openAck(t *testing.T) *journal.Store {
	t.Helper()
	s, err := journal.OpenAck(filepath.Join(t.TempDir(), "ack.db"))
	if err != nil {
		t.Fatalf("OpenAck failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSweep_RedeliversExpired(t *testing.T) {
	addr := startBroker(t)
	ackJournal := openAck(t)

	c, err := client.Dial(addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()
	if err := c.Login(testUser, testPasswd); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := c.DeclareQueue("jobs"); err != nil {
		t.Fatalf("DeclareQueue failed: %v", err)
	}

	// A delivery issued long ago and never acknowledged: in-flight in the
	// broker, one stale row in the journal.
	staleID := "task_id:1:1"
	if err := c.RestoreAckMessageID("jobs", staleID); err != nil {
		t.Fatalf("RestoreAckMessageID failed: %v", err)
	}
	err = ackJournal.Insert(journal.Row{
		MessageID:   staleID,
		QueueName:   "jobs",
		MessageData: "lost-work",
		PubDate:     time.Now().Add(-time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("journal insert failed: %v", err)
	}

	pool := client.NewPool(addr, testUser, testPasswd, 2)
	defer pool.Close()
	w := New(ackJournal, pool, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := w.Sweep(ctx, time.Now().Unix())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d rows, want 1", n)
	}

	// The payload is back in the queue under a fresh identifier and the
	// stale in-flight entry is gone.
	task, ok, err := c.GetDataFromQueue("jobs")
	if err != nil || !ok {
		t.Fatalf("get after sweep: ok=%v err=%v", ok, err)
	}
	if task.MessageData != "lost-work" {
		t.Fatalf("redelivered payload %q", task.MessageData)
	}
	if task.MessageID == staleID {
		t.Fatal("redelivery reused the stale identifier")
	}
	if err := c.AckMessage("jobs", staleID); err == nil {
		t.Fatal("stale in-flight entry survived the sweep")
	}
	if n, _ := ackJournal.Count(); n != 0 {
		t.Fatalf("stale row still journalled, count %d", n)
	}
}

func TestSweep_LeavesFreshRows(t *testing.T) {
	addr := startBroker(t)
	ackJournal := openAck(t)

	ackJournal.Insert(journal.Row{
		MessageID: "task_id:2:2",
		QueueName: "jobs",
		PubDate:   time.Now().Unix(),
	})

	pool := client.NewPool(addr, testUser, testPasswd, 2)
	defer pool.Close()
	w := New(ackJournal, pool, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cutoff := time.Now().Add(-time.Minute).Unix()
	n, err := w.Sweep(ctx, cutoff)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("swept %d fresh rows", n)
	}
	if count, _ := ackJournal.Count(); count != 1 {
		t.Fatalf("fresh row removed, count %d", count)
	}
}

func TestSweep_DeletedQueueLeavesRow(t *testing.T) {
	addr := startBroker(t)
	ackJournal := openAck(t)

	// The queue never existed; the send fails and the row must survive for
	// inspection.
	ackJournal.Insert(journal.Row{
		MessageID: "task_id:3:3",
		QueueName: "gone",
		PubDate:   time.Now().Add(-time.Hour).Unix(),
	})

	pool := client.NewPool(addr, testUser, testPasswd, 2)
	defer pool.Close()
	w := New(ackJournal, pool, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := w.Sweep(ctx, time.Now().Unix())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("swept %d rows from a missing queue", n)
	}
	if count, _ := ackJournal.Count(); count != 1 {
		t.Fatalf("row for missing queue removed, count %d", count)
	}
}
