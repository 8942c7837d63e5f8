package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/client"
	"github.com/oriys/quasar/internal/memory"
	"github.com/oriys/quasar/internal/protocol"
)

const (
	testUser   = "quasar"
	testPasswd = "quasar"
)

func startBroker(t *testing.T, cfg Config, sendLog SendLog, ackLog AckLog) (*Server, string) {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.UserName == "" {
		cfg.UserName = testUser
		cfg.Passwd = testPasswd
	}
	srv := New(cfg, memory.NewStore(), sendLog, ackLog)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, srv.Addr()
}

func loginClient(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := client.Dial(addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.Login(testUser, testPasswd); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return c
}

func TestServer_ProduceConsumeAck(t *testing.T) {
	_, addr := startBroker(t, Config{}, nil, nil)
	c := loginClient(t, addr)

	if err := c.DeclareQueue("jobs"); err != nil {
		t.Fatalf("DeclareQueue failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := c.SendDataToQueue("jobs", fmt.Sprintf("payload-%d", i)); err != nil {
			t.Fatalf("SendDataToQueue %d failed: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		task, ok, err := c.GetDataFromQueue("jobs")
		if err != nil || !ok {
			t.Fatalf("GetDataFromQueue %d: ok=%v err=%v", i, ok, err)
		}
		if task.MessageData != fmt.Sprintf("payload-%d", i) {
			t.Fatalf("delivery %d out of order: %q", i, task.MessageData)
		}
		if err := c.AckMessage("jobs", task.MessageID); err != nil {
			t.Fatalf("AckMessage %d failed: %v", i, err)
		}
	}

	stat, err := c.GetStat()
	if err != nil {
		t.Fatalf("GetStat failed: %v", err)
	}
	if q := stat.QueueInfor["jobs"]; q[0] != 0 {
		t.Fatalf("queue not drained: %v", q)
	}
	if a := stat.TaskAckInfor["jobs"]; a[0] != 0 {
		t.Fatalf("in-flight not drained: %v", a)
	}
}

func TestServer_EmptyGetKeepsConnection(t *testing.T) {
	_, addr := startBroker(t, Config{}, nil, nil)
	c := loginClient(t, addr)
	c.DeclareQueue("jobs")

	_, ok, err := c.GetDataFromQueue("jobs")
	if err != nil {
		t.Fatalf("empty get errored: %v", err)
	}
	if ok {
		t.Fatal("empty get returned a task")
	}
	// A semantic failure keeps the session alive.
	if err := c.Ping(); err != nil {
		t.Fatalf("connection dead after empty get: %v", err)
	}
}

func TestServer_UnauthenticatedIsForbidden(t *testing.T) {
	_, addr := startBroker(t, Config{}, nil, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	req := &protocol.Request{Type: protocol.TypeDeclareQueue, QueueName: "jobs"}
	if err := protocol.WriteFrame(conn, req); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	body, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var resp protocol.Response
	json.Unmarshal(body, &resp)
	if resp.Type != protocol.TypeForbidden || resp.Status != protocol.StatusFail {
		t.Fatalf("expected FORBIDDEN fail, got %+v", resp)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := protocol.ReadFrame(conn); err == nil {
		t.Fatal("connection still open after FORBIDDEN")
	}
}

func TestServer_LoginWrongCredentialsCloses(t *testing.T) {
	_, addr := startBroker(t, Config{}, nil, nil)

	c, err := client.Dial(addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	if err := c.Login(testUser, "wrong-pass"); !errors.Is(err, client.ErrFail) {
		t.Fatalf("expected ErrFail, got: %v", err)
	}
	// The broker closes after a rejected LOGIN.
	if err := c.Ping(); err == nil {
		t.Fatal("connection survived rejected login")
	}
}

func TestServer_BadJSONFrameCloses(t *testing.T) {
	_, addr := startBroker(t, Config{}, nil, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Raw frame whose body is not a JSON object.
	if err := protocol.WriteFrame(conn, "not an object"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	body, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var resp protocol.Response
	json.Unmarshal(body, &resp)
	if resp.Type != protocol.TypeDataWrong || resp.Status != protocol.StatusFail {
		t.Fatalf("expected DATA_WRONG fail, got %+v", resp)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := protocol.ReadFrame(conn); err == nil {
		t.Fatal("connection still open after DATA_WRONG")
	}
}

func TestServer_UnknownTypeCloses(t *testing.T) {
	_, addr := startBroker(t, Config{}, nil, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	protocol.WriteFrame(conn, &protocol.Request{Type: protocol.TypeLogin, UserName: testUser, Passwd: testPasswd})
	if _, err := protocol.ReadFrame(conn); err != nil {
		t.Fatalf("login read failed: %v", err)
	}

	protocol.WriteFrame(conn, &protocol.Request{Type: 42})
	body, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var resp protocol.Response
	json.Unmarshal(body, &resp)
	if resp.Type != protocol.TypeNotFound || resp.Status != protocol.StatusFail {
		t.Fatalf("expected NOT_FOUND fail, got %+v", resp)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := protocol.ReadFrame(conn); err == nil {
		t.Fatal("connection still open after NOT_FOUND")
	}
}

func TestServer_DuplicateDeclareFails(t *testing.T) {
	_, addr := startBroker(t, Config{}, nil, nil)
	c := loginClient(t, addr)

	if err := c.DeclareQueue("jobs"); err != nil {
		t.Fatalf("first declare failed: %v", err)
	}
	if err := c.DeclareQueue("jobs"); !errors.Is(err, client.ErrFail) {
		t.Fatalf("expected ErrFail on duplicate declare, got: %v", err)
	}
}

func TestServer_DeleteQueue(t *testing.T) {
	_, addr := startBroker(t, Config{}, nil, nil)
	c := loginClient(t, addr)

	c.DeclareQueue("jobs")
	c.SendDataToQueue("jobs", "x")
	if err := c.DeleteQueue("jobs"); err != nil {
		t.Fatalf("DeleteQueue failed: %v", err)
	}
	if err := c.SendDataToQueue("jobs", "x"); !errors.Is(err, client.ErrFail) {
		t.Fatalf("send to deleted queue succeeded: %v", err)
	}
}

func TestServer_ClearQueueKeepsDeclaration(t *testing.T) {
	_, addr := startBroker(t, Config{}, nil, nil)
	c := loginClient(t, addr)

	c.DeclareQueue("jobs")
	c.SendDataToQueue("jobs", "a")
	c.SendDataToQueue("jobs", "b")

	if err := c.ClearQueue("jobs"); err != nil {
		t.Fatalf("ClearQueue failed: %v", err)
	}
	if _, ok, _ := c.GetDataFromQueue("jobs"); ok {
		t.Fatal("cleared queue still delivers")
	}
	// The declaration survives.
	if err := c.SendDataToQueue("jobs", "c"); err != nil {
		t.Fatalf("send after clear failed: %v", err)
	}
}

func TestServer_GetSpeedShape(t *testing.T) {
	_, addr := startBroker(t, Config{}, nil, nil)
	c := loginClient(t, addr)

	c.DeclareQueue("jobs")
	speed, err := c.GetSpeed("jobs")
	if err != nil {
		t.Fatalf("GetSpeed failed: %v", err)
	}
	for _, key := range []string{"send_jobs", "get_jobs", "ack_jobs"} {
		if _, ok := speed[key]; !ok {
			t.Fatalf("speed map missing %s: %v", key, speed)
		}
	}
}

func TestServer_LogoutAlwaysSucceeds(t *testing.T) {
	_, addr := startBroker(t, Config{}, nil, nil)
	c := loginClient(t, addr)

	if err := c.Logout("whoever", "whatever"); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if err := c.Ping(); err == nil {
		t.Fatal("connection survived logout")
	}
}

func TestServer_ConnectionCap(t *testing.T) {
	_, addr := startBroker(t, Config{MaxConn: 1}, nil, nil)
	loginClient(t, addr)

	over, err := client.Dial(addr, time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer over.Close()
	// Accepted then immediately closed: the first exchange fails.
	if err := over.Login(testUser, testPasswd); err == nil {
		t.Fatal("connection beyond cap served a request")
	}
}

// journalRecorder captures journal events for assertions.
type journalRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *journalRecorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *journalRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *journalRecorder) MessageAccepted(id, queue, data string, pubDate int64) {
	r.add("send:insert:" + queue)
}
func (r *journalRecorder) MessageDelivered(id string)                           { r.add("send:delete") }
func (r *journalRecorder) DeliveryIssued(id, queue, data string, pubDate int64) { r.add("ack:insert:" + queue) }
func (r *journalRecorder) DeliveryAcked(id string)                              { r.add("ack:delete") }
func (r *journalRecorder) DeliveryDropped(id string)                            { r.add("ack:drop") }
func (r *journalRecorder) QueuePurged(queue string)                             { r.add("purge:" + queue) }

func TestServer_JournalEventFlow(t *testing.T) {
	rec := &journalRecorder{}
	_, addr := startBroker(t, Config{}, rec, rec)
	c := loginClient(t, addr)

	c.DeclareQueue("jobs")
	c.SendDataToQueue("jobs", "x")
	task, ok, err := c.GetDataFromQueue("jobs")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	c.AckMessage("jobs", task.MessageID)
	c.DeleteQueue("jobs")

	want := []string{"send:insert:jobs", "ack:insert:jobs", "send:delete", "ack:delete", "purge:jobs", "purge:jobs"}
	got := rec.all()
	if len(got) != len(want) {
		t.Fatalf("event count mismatch: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s, want %s", i, got[i], want[i])
		}
	}
}
