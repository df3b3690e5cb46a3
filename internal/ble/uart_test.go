package ble

import (
	"errors"
	"strings"
	"testing"
)

func TestSendOutsideReady(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())

	if err := c.Send("A"); !errors.Is(err, ErrNotReady) {
		t.Errorf("Send() while disconnected error = %v, want ErrNotReady", err)
	}

	discovered(t, c, p, "AA:BB")
	_ = c.Connect("AA:BB")
	link := p.latestLink()
	if err := c.Send("A"); !errors.Is(err, ErrNotReady) {
		t.Errorf("Send() while connecting error = %v, want ErrNotReady", err)
	}

	link.SimulateLinkUp()
	c.flush()
	if err := c.Send("A"); !errors.Is(err, ErrNotReady) {
		t.Errorf("Send() while discovering error = %v, want ErrNotReady", err)
	}

	if got := link.writeLog(); len(got) != 0 {
		t.Errorf("rejected sends produced writes %q", got)
	}
}

func TestSendWritesUTF8(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())
	link := connectReady(t, c, p, "AA:BB")

	if err := c.Send("héllo"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got := link.writeLog()
	if len(got) != 1 || got[0] != "héllo" {
		t.Errorf("writes = %q, want [\"héllo\"]", got)
	}
}

func TestSendEmptyString(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())
	link := connectReady(t, c, p, "AA:BB")

	if err := c.Send(""); err != nil {
		t.Fatalf("Send(\"\") error = %v", err)
	}
	if got := link.writeLog(); len(got) != 0 {
		t.Errorf("Send(\"\") produced writes %q", got)
	}
}

func TestSendOneWriteInFlight(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())
	link := connectReady(t, c, p, "AA:BB")

	_ = c.Send("A")
	_ = c.Send("B")
	if got := link.writeLog(); len(got) != 1 {
		t.Fatalf("writes before completion = %q, want only the first", got)
	}

	link.SimulateWriteComplete(statusSuccess)
	c.flush()
	if got := link.writeLog(); len(got) != 2 || got[1] != "B" {
		t.Fatalf("writes after completion = %q, want [A B]", got)
	}

	link.SimulateWriteComplete(statusSuccess)
	c.flush()
	if got := link.writeLog(); len(got) != 2 {
		t.Errorf("extra writes after queue drained: %q", got)
	}
}

func TestSendLongTextIsFramed(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())
	link := connectReady(t, c, p, "AA:BB")

	text := strings.Repeat("word ", 10) // 50 bytes
	if err := c.Send(text); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		link.SimulateWriteComplete(statusSuccess)
	}
	c.flush()

	got := link.writeLog()
	if len(got) < 3 {
		t.Fatalf("got %d writes, want at least 3 for 50 bytes", len(got))
	}
	for i, w := range got {
		if len(w) > 20 {
			t.Errorf("write[%d] len=%d exceeds 20", i, len(w))
		}
	}
	if strings.Join(got, "") != text {
		t.Errorf("reassembled = %q, want %q", strings.Join(got, ""), text)
	}
}

func TestSendThenDisconnectDiscardsWriteResult(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())
	link := connectReady(t, c, p, "AA:BB")

	_ = c.Send("A")
	_ = c.Send("B") // queued behind A
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	link.SimulateWriteComplete(statusSuccess)
	c.flush()

	if got := c.Status().State; got != StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
	if got := link.writeLog(); len(got) != 1 || got[0] != "A" {
		t.Errorf("writes = %q, want only [A]", got)
	}
}

func TestSendWriteDenied(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())
	link := connectReady(t, c, p, "AA:BB")
	link.writeErr = ErrCapabilityDenied

	if err := c.Send("A"); !errors.Is(err, ErrCapabilityDenied) {
		t.Errorf("Send() error = %v, want ErrCapabilityDenied", err)
	}
	if got := c.Status().State; got != StateReady {
		t.Errorf("state = %v, want ready", got)
	}
}

func TestSendRejectsPayloadThatOverflowsQueue(t *testing.T) {
	p := &mockPlatform{}
	opts := testOptions()
	opts.QueueSize = 2
	c := newTestCore(t, p, opts)
	link := connectReady(t, c, p, "AA:BB")

	for _, s := range []string{"1", "2", "3"} {
		if err := c.Send(s); err != nil {
			t.Fatalf("Send(%q) error = %v", s, err)
		}
	}
	if err := c.Send("4"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Send(\"4\") error = %v, want ErrQueueFull", err)
	}
	for i := 0; i < 3; i++ {
		link.SimulateWriteComplete(statusSuccess)
	}
	c.flush()

	got := strings.Join(link.writeLog(), ",")
	if got != "1,2,3" {
		t.Errorf("writes = %s, want 1,2,3 (rejected payload not queued)", got)
	}
}

func TestSendLargePayloadIsAllOrNothing(t *testing.T) {
	p := &mockPlatform{}
	opts := testOptions()
	opts.QueueSize = 4
	c := newTestCore(t, p, opts)
	link := connectReady(t, c, p, "AA:BB")

	// 10 frames of 20 bytes: one in flight plus nine queued.
	err := c.Send(strings.Repeat("x", 200))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Send() error = %v, want ErrQueueFull", err)
	}
	if got := link.writeLog(); len(got) != 0 {
		t.Fatalf("rejected payload produced writes %q", got)
	}

	// 5 frames fit exactly: one in flight plus four queued.
	text := strings.Repeat("y", 100)
	if err := c.Send(text); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		link.SimulateWriteComplete(statusSuccess)
		c.flush()
	}
	if got := strings.Join(link.writeLog(), ""); got != text {
		t.Errorf("reassembled %d bytes, want %d", len(got), len(text))
	}
}

func TestFailedWriteContinuesQueue(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())
	link := connectReady(t, c, p, "AA:BB")

	_ = c.Send("A")
	_ = c.Send("B")
	link.SimulateWriteComplete(statusGATTFailed)
	c.flush()

	if got := link.writeLog(); len(got) != 2 {
		t.Errorf("writes = %q, want the queue to continue after a failed write", got)
	}
	if got := c.Status().State; got != StateReady {
		t.Errorf("state = %v, want ready", got)
	}
}

func TestNotificationPublishesPayload(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())
	link := connectReady(t, c, p, "AA:BB")
	sub := c.ObservePayload()
	defer sub.Close()
	if got := <-sub.C(); got != "" {
		t.Fatalf("default payload = %q, want empty", got)
	}

	link.SimulateNotification("6e400003-b5a3-f393-e0a9-e50e24dcca9e", []byte("23.5"))
	c.flush()
	if got := <-sub.C(); got != "23.5" {
		t.Errorf("payload = %q, want %q", got, "23.5")
	}
}

func TestNotificationInvalidUTF8IsReplaced(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())
	link := connectReady(t, c, p, "AA:BB")

	link.SimulateNotification(NotifyCharUUID, []byte{'o', 'k', 0xff})
	c.flush()
	if got := c.payload.Value(); got != "ok\uFFFD" {
		t.Errorf("payload = %q, want %q", got, "ok\uFFFD")
	}

	link.SimulateNotification(NotifyCharUUID, []byte("next"))
	c.flush()
	if got := c.payload.Value(); got != "next" {
		t.Errorf("stream stopped after bad frame, payload = %q", got)
	}
}

func TestNotificationFromOtherCharacteristicIgnored(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())
	link := connectReady(t, c, p, "AA:BB")

	link.SimulateNotification(WriteCharUUID, []byte("echo"))
	c.flush()
	if got := c.payload.Value(); got != "" {
		t.Errorf("payload = %q, want empty", got)
	}
}

func TestLateSubscriberSeesOnlyLatestPayload(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())
	link := connectReady(t, c, p, "AA:BB")

	for _, v := range []string{"1", "2", "3"} {
		link.SimulateNotification(NotifyCharUUID, []byte(v))
	}
	c.flush()

	sub := c.ObservePayload()
	defer sub.Close()
	got := drain(sub)
	if len(got) != 1 || got[0] != "3" {
		t.Errorf("late subscriber got %q, want [\"3\"]", got)
	}
}
