package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casewire/casewire/pkg/fault"
)

// sinkRecorder collects raised faults for assertions.
type sinkRecorder struct {
	mu     sync.Mutex
	faults []*fault.Fault
}

func (s *sinkRecorder) Raise(f *fault.Fault) {
	s.mu.Lock()
	s.faults = append(s.faults, f)
	s.mu.Unlock()
}

func (s *sinkRecorder) byCode(code fault.Code) []*fault.Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fault.Fault
	for _, f := range s.faults {
		if f.Code == code {
			out = append(out, f)
		}
	}
	return out
}

func newTestBus(t *testing.T, cfg Config) (*Bus, *sinkRecorder) {
	t.Helper()
	b := New(cfg)
	sink := &sinkRecorder{}
	b.SetFaultSink(sink)
	t.Cleanup(b.Close)
	return b, sink
}

func TestAddressValidation(t *testing.T) {
	valid := []Address{"1", "1-1", "2-1", "4-5", "Bus-1", "1-1.2", "5-2.A"}
	for _, a := range valid {
		assert.True(t, a.Valid(), "expected %q valid", a)
	}
	invalid := []Address{"", "-1", "1-", "1-1.", "1.1-2", "a b", "1--2"}
	for _, a := range invalid {
		assert.False(t, a.Valid(), "expected %q invalid", a)
	}
}

func TestTopicMatching(t *testing.T) {
	assert.True(t, MatchesTopic("evidence", "evidence.new"))
	assert.True(t, MatchesTopic("1-1", "1-1.2"))
	assert.True(t, MatchesTopic("gateway.section", "gateway.section.complete"))
	assert.True(t, MatchesTopic("2-1", "2-1"))
	assert.False(t, MatchesTopic("1-1", "1-10"))
	assert.False(t, MatchesTopic("evidence.new", "evidence"))
	assert.False(t, MatchesTopic("section", "sections.updated"))
}

func TestEnvelopeValidation(t *testing.T) {
	t.Run("CompleteSignalPasses", func(t *testing.T) {
		sig := NewSignal("2-2", "1-1", "evidence.deliver", RadioEvidence, nil)
		assert.Nil(t, sig.Validate())
	})

	t.Run("MissingFieldRejected", func(t *testing.T) {
		sig := NewSignal("2-2", "1-1", "evidence.deliver", RadioEvidence, nil)
		sig.SignalID = ""
		f := sig.Validate()
		require.NotNil(t, f)
		assert.Equal(t, fault.Code("Bus-1-31"), f.Code)
	})

	t.Run("UnknownRadioCodeRejected", func(t *testing.T) {
		sig := NewSignal("2-2", "1-1", "evidence.deliver", RadioCode("10-99"), nil)
		f := sig.Validate()
		require.NotNil(t, f)
		assert.Equal(t, fault.Code("Bus-1-31"), f.Code)
	})

	t.Run("DecodeIgnoresUnknownFields", func(t *testing.T) {
		raw := []byte(`{"signal_id":"s1","caller_address":"2-2","target_address":"1-1",` +
			`"signal_type":"evidence.deliver","radio_code":"10-6","mystery":"field"}`)
		sig, f := Decode(raw)
		require.Nil(t, f)
		assert.Equal(t, "s1", sig.SignalID)
	})
}

func TestEmitFanOutAndOrdering(t *testing.T) {
	b, _ := newTestBus(t, Config{})

	const n = 50
	got := make(chan string, n)
	b.Subscribe("evidence", func(_ context.Context, _ string, sig *Signal) {
		got <- sig.Message
	})

	for i := 0; i < n; i++ {
		sig := NewSignal("1-1", "2-2", "evidence.new", RadioEvidence, nil)
		sig.Message = fmt.Sprintf("m%03d", i)
		b.Emit("evidence.new", sig)
	}

	for i := 0; i < n; i++ {
		select {
		case msg := <-got:
			assert.Equal(t, fmt.Sprintf("m%03d", i), msg, "per-sender per-topic order must hold")
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i)
		}
	}
}

func TestEmitPrefixSubscription(t *testing.T) {
	b, _ := newTestBus(t, Config{})

	exact := make(chan struct{}, 1)
	prefix := make(chan struct{}, 2)
	b.Subscribe("evidence.new", func(context.Context, string, *Signal) { exact <- struct{}{} })
	b.Subscribe("evidence", func(context.Context, string, *Signal) { prefix <- struct{}{} })

	b.Emit("evidence.new", NewSignal("1-1", "2-2", "evidence.new", RadioEvidence, nil))
	b.Emit("evidence.duplicate", NewSignal("1-1", "2-2", "evidence.duplicate", RadioEvidence, nil))

	assertRecv(t, exact, "exact subscriber")
	assertRecv(t, prefix, "prefix subscriber")
	assertRecv(t, prefix, "prefix subscriber second topic")
}

func assertRecv[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestRequestResponse(t *testing.T) {
	b, _ := newTestBus(t, Config{})

	b.Subscribe("4-5", func(_ context.Context, _ string, sig *Signal) {
		b.Respond(sig.Response("4-5", map[string]any{"ok": true}))
	})

	sig := NewSignal("2-1", "4-5", "section.prepare", RadioStandby, nil)
	res := b.Request(context.Background(), sig, time.Second)

	require.Equal(t, OutcomeResponse, res.Outcome)
	require.NotNil(t, res.Response)
	assert.Equal(t, true, res.Response.Payload["ok"])
	assert.Equal(t, sig.SignalID, res.Response.SignalID)
	assert.Zero(t, b.PendingCount())
}

func TestRequestTimeout(t *testing.T) {
	b, sink := newTestBus(t, Config{})

	// Subscriber that never responds.
	b.Subscribe("4-5", func(context.Context, string, *Signal) {})

	sig := NewSignal("2-1", "4-5", "section.prepare", RadioStandby, nil)
	res := b.Request(context.Background(), sig, 50*time.Millisecond)

	require.Equal(t, OutcomeTimeout, res.Outcome)
	require.NotNil(t, res.Fault)
	assert.Equal(t, fault.Code("Bus-1-20"), res.Fault.Code)
	assert.Zero(t, b.PendingCount())
	assert.NotEmpty(t, sink.byCode("Bus-1-20"))

	// A late response must be dropped silently.
	assert.False(t, b.Respond(sig.Response("4-5", nil)))
}

func TestRequestUnknownAddress(t *testing.T) {
	b, sink := newTestBus(t, Config{})

	sig := NewSignal("2-1", "9-9", "ping", RadioCheck, nil)
	res := b.Request(context.Background(), sig, time.Second)

	require.NotNil(t, res.Fault)
	assert.Equal(t, fault.Code("9-9-24"), res.Fault.Code)
	assert.NotEmpty(t, sink.byCode("9-9-24"))
}

func TestCancelOwned(t *testing.T) {
	b, _ := newTestBus(t, Config{})

	b.Subscribe("4-5", func(context.Context, string, *Signal) {})
	cancelled := make(chan *Signal, 1)
	b.Subscribe("2-1", func(_ context.Context, _ string, sig *Signal) {
		if sig.SignalType == "request_cancelled" {
			cancelled <- sig
		}
	})

	done := make(chan Result, 1)
	sig := NewSignal("2-1", "4-5", "section.prepare", RadioStandby, nil)
	go func() { done <- b.Request(context.Background(), sig, 10*time.Second) }()

	// Wait for the pending entry before cancelling.
	require.Eventually(t, func() bool { return b.PendingCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, b.CancelOwned("2-1"))

	res := <-done
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Nil(t, res.Response)

	select {
	case note := <-cancelled:
		assert.Equal(t, sig.SignalID, note.Payload["signal_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("request_cancelled event not delivered")
	}
}

func TestMailboxBackpressure(t *testing.T) {
	t.Run("AtSoftThresholdStillAccepted", func(t *testing.T) {
		box := newMailbox(10, 4)
		low := func() *Signal { return NewSignal("1-1", "2-2", "ack", RadioAck, nil) }
		for i := 0; i < 4; i++ {
			require.Equal(t, pushOK, box.push(delivery{topic: "t", signal: low()}))
		}
		// Depth == soft threshold: the next signal is still accepted.
		assert.Equal(t, pushOK, box.push(delivery{topic: "t", signal: low()}))
		// Depth now exceeds the threshold: non-critical signals drop.
		assert.Equal(t, pushDroppedBackpressure, box.push(delivery{topic: "t", signal: low()}))
	})

	t.Run("CriticalEvictsOldestLowAtHardCap", func(t *testing.T) {
		box := newMailbox(4, 8)
		for i := 0; i < 4; i++ {
			require.Equal(t, pushOK,
				box.push(delivery{topic: "t", signal: NewSignal("1-1", "2-2", "ack", RadioAck, nil)}))
		}
		sos := NewSignal("1-1", "Diag", "sos", RadioSOS, nil)
		assert.Equal(t, pushEvictedLow, box.push(delivery{topic: "t", signal: sos}))
		assert.Equal(t, 4, box.depth())
	})

	t.Run("CriticalAcceptedEvenWithoutLowEntries", func(t *testing.T) {
		box := newMailbox(2, 1)
		for i := 0; i < 2; i++ {
			box.push(delivery{topic: "t", signal: NewSignal("1-1", "Diag", "sos", RadioSOS, nil)})
		}
		mayday := NewSignal("1-1", "Diag", "mayday", RadioMayday, nil)
		assert.Equal(t, pushOK, box.push(delivery{topic: "t", signal: mayday}))
		assert.Equal(t, 3, box.depth())
	})

	t.Run("DropRaisesMediumFault", func(t *testing.T) {
		b, sink := newTestBus(t, Config{MailboxCap: 4, SoftThreshold: 1})
		block := make(chan struct{})
		b.Subscribe("slow", func(context.Context, string, *Signal) { <-block })
		defer close(block)

		for i := 0; i < 8; i++ {
			b.Emit("slow", NewSignal("1-1", "2-2", "slow", RadioAck, nil))
		}
		require.Eventually(t, func() bool {
			return len(sink.byCode("Bus-1-40")) > 0
		}, 2*time.Second, 5*time.Millisecond)
		f := sink.byCode("Bus-1-40")[0]
		assert.Equal(t, fault.SeverityMedium, f.Severity)
	})
}

func TestRadioVocabulary(t *testing.T) {
	t.Run("ResponseExpectations", func(t *testing.T) {
		assert.False(t, RadioAck.ResponseExpected())
		assert.True(t, RadioStatus.ResponseExpected())
		assert.True(t, RadioSOS.ResponseExpected())
	})

	t.Run("DefaultTimeouts", func(t *testing.T) {
		assert.Equal(t, 30*time.Second, RadioStatus.DefaultTimeout())
		assert.Equal(t, 60*time.Second, RadioRollcall.DefaultTimeout())
		assert.Equal(t, 5*time.Second, RadioSOS.DefaultTimeout())
		assert.Equal(t, time.Duration(0), RadioAck.DefaultTimeout())
	})

	t.Run("Criticality", func(t *testing.T) {
		assert.True(t, RadioSOS.Critical())
		assert.True(t, RadioMayday.Critical())
		assert.True(t, RadioComplete.Critical())
		assert.False(t, RadioStatus.Critical())
		assert.False(t, RadioAck.Critical())
	})

	t.Run("ClosedSet", func(t *testing.T) {
		assert.True(t, RadioRollcall.Known())
		assert.False(t, RadioCode("10-99").Known())
	})
}
