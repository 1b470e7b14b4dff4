// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"testing"
	"time"

	"grimm.is/nds/internal/capture"
	"grimm.is/nds/internal/logging"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func pkt(ts time.Time, src string, sport uint16, dst string, dport uint16, flags uint8) *capture.PacketRecord {
	return &capture.PacketRecord{
		Timestamp: ts,
		SrcIP:     src,
		SrcPort:   sport,
		DstIP:     dst,
		DstPort:   dport,
		Protocol:  6,
		Size:      52,
		TCPFlags:  flags,
		TCPWindow: 64240,
	}
}

func testBuilder() *Builder {
	return NewBuilder(120*time.Second, logging.WithComponent("flow-test"))
}

func TestKeyCanonical(t *testing.T) {
	k1 := Key("10.0.0.1", 44123, "192.168.1.50", 443, 6)
	k2 := Key("192.168.1.50", 443, "10.0.0.1", 44123, 6)
	if k1 != k2 {
		t.Errorf("directions key differently: %q vs %q", k1, k2)
	}

	k3 := Key("10.0.0.1", 44123, "192.168.1.50", 443, 17)
	if k1 == k3 {
		t.Error("protocol must be part of the key")
	}

	// Same IPs, different ports.
	k4 := Key("10.0.0.1", 1000, "10.0.0.1", 2000, 6)
	k5 := Key("10.0.0.1", 2000, "10.0.0.1", 1000, 6)
	if k4 != k5 {
		t.Errorf("port tie-break broken: %q vs %q", k4, k5)
	}
}

func TestIngestDirections(t *testing.T) {
	b := testBuilder()

	b.Ingest([]*capture.PacketRecord{
		pkt(t0, "10.0.0.1", 44123, "192.168.1.50", 443, capture.FlagSYN),
		pkt(t0.Add(10*time.Millisecond), "192.168.1.50", 443, "10.0.0.1", 44123, capture.FlagSYN|capture.FlagACK),
		pkt(t0.Add(20*time.Millisecond), "10.0.0.1", 44123, "192.168.1.50", 443, capture.FlagACK),
	})

	if got := b.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1", got)
	}

	flows := b.PollTimeouts(t0.Add(10 * time.Minute))
	if len(flows) != 1 {
		t.Fatalf("got %d completed flows, want 1", len(flows))
	}
	f := flows[0]

	if f.SrcIP != "10.0.0.1" || f.SrcPort != 44123 {
		t.Errorf("initiator = %s:%d, want 10.0.0.1:44123", f.SrcIP, f.SrcPort)
	}
	if len(f.Fwd) != 2 || len(f.Bwd) != 1 {
		t.Errorf("fwd/bwd = %d/%d, want 2/1", len(f.Fwd), len(f.Bwd))
	}
	if f.FwdBytes != 104 || f.BwdBytes != 52 {
		t.Errorf("bytes fwd/bwd = %d/%d, want 104/52", f.FwdBytes, f.BwdBytes)
	}
	if f.ID == "" {
		t.Error("completed flow has no ID")
	}
	if f.Duration() != 20*time.Millisecond {
		t.Errorf("Duration = %s, want 20ms", f.Duration())
	}
}

func TestCompleteOnRST(t *testing.T) {
	b := testBuilder()

	b.Ingest([]*capture.PacketRecord{
		pkt(t0, "10.0.0.1", 5000, "10.0.0.2", 80, capture.FlagSYN),
	})
	completed := b.Ingest([]*capture.PacketRecord{
		pkt(t0.Add(time.Second), "10.0.0.2", 80, "10.0.0.1", 5000, capture.FlagRST),
	})

	if len(completed) != 1 {
		t.Fatalf("got %d completed, want 1", len(completed))
	}
	if completed[0].CompletionReason != ReasonRST {
		t.Errorf("reason = %q, want %q", completed[0].CompletionReason, ReasonRST)
	}
	if b.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after RST close", b.ActiveCount())
	}
}

func TestCompleteOnFINBothSides(t *testing.T) {
	b := testBuilder()

	completed := b.Ingest([]*capture.PacketRecord{
		pkt(t0, "10.0.0.1", 5000, "10.0.0.2", 80, capture.FlagSYN),
		pkt(t0.Add(1*time.Second), "10.0.0.2", 80, "10.0.0.1", 5000, capture.FlagSYN|capture.FlagACK),
		pkt(t0.Add(2*time.Second), "10.0.0.1", 5000, "10.0.0.2", 80, capture.FlagFIN|capture.FlagACK),
	})
	if len(completed) != 0 {
		t.Fatal("one-sided FIN must not complete the flow")
	}

	completed = b.Ingest([]*capture.PacketRecord{
		pkt(t0.Add(3*time.Second), "10.0.0.2", 80, "10.0.0.1", 5000, capture.FlagFIN|capture.FlagACK),
	})
	if len(completed) != 1 {
		t.Fatalf("got %d completed after both FINs, want 1", len(completed))
	}
	if completed[0].CompletionReason != ReasonFIN {
		t.Errorf("reason = %q, want %q", completed[0].CompletionReason, ReasonFIN)
	}
}

func TestFINWithoutACKWaits(t *testing.T) {
	b := testBuilder()

	// Pure FINs with no ACK bit anywhere: the close needs a trailing ACK.
	completed := b.Ingest([]*capture.PacketRecord{
		pkt(t0, "10.0.0.1", 5000, "10.0.0.2", 80, capture.FlagFIN),
		pkt(t0.Add(time.Second), "10.0.0.2", 80, "10.0.0.1", 5000, capture.FlagFIN),
	})
	if len(completed) != 0 {
		t.Fatal("FIN/FIN without ACK should not complete")
	}

	completed = b.Ingest([]*capture.PacketRecord{
		pkt(t0.Add(2*time.Second), "10.0.0.1", 5000, "10.0.0.2", 80, capture.FlagACK),
	})
	if len(completed) != 1 {
		t.Fatalf("trailing ACK should complete, got %d", len(completed))
	}
}

func TestPollTimeoutBoundary(t *testing.T) {
	b := testBuilder()
	b.Ingest([]*capture.PacketRecord{
		pkt(t0, "10.0.0.1", 5000, "10.0.0.2", 80, capture.FlagSYN),
	})

	// One nanosecond short of the timeout: still active.
	if got := b.PollTimeouts(t0.Add(120*time.Second - time.Nanosecond)); len(got) != 0 {
		t.Fatalf("flow timed out early: %d", len(got))
	}
	// Exactly at the timeout: closed.
	got := b.PollTimeouts(t0.Add(120 * time.Second))
	if len(got) != 1 {
		t.Fatalf("flow not timed out at the boundary: %d", len(got))
	}
	if got[0].CompletionReason != ReasonTimeout {
		t.Errorf("reason = %q, want %q", got[0].CompletionReason, ReasonTimeout)
	}
}

func TestMaxDurationCap(t *testing.T) {
	b := testBuilder()
	b.SetMaxDuration(10 * time.Second)

	b.Ingest([]*capture.PacketRecord{
		pkt(t0, "10.0.0.1", 5000, "10.0.0.2", 80, capture.FlagSYN),
	})
	// Keep the flow busy past the cap; activity does not reset flow age.
	completed := b.Ingest([]*capture.PacketRecord{
		pkt(t0.Add(11*time.Second), "10.0.0.2", 80, "10.0.0.1", 5000, capture.FlagACK),
	})

	if len(completed) != 1 {
		t.Fatalf("got %d completed, want 1 from age cap", len(completed))
	}
	if completed[0].CompletionReason != ReasonMaxDuration {
		t.Errorf("reason = %q, want %q", completed[0].CompletionReason, ReasonMaxDuration)
	}
}

func TestTerminalFlowRestartsKey(t *testing.T) {
	b := testBuilder()

	b.Ingest([]*capture.PacketRecord{
		pkt(t0, "10.0.0.1", 5000, "10.0.0.2", 80, capture.FlagSYN),
		pkt(t0.Add(time.Second), "10.0.0.2", 80, "10.0.0.1", 5000, capture.FlagRST),
	})

	// Same 5-tuple again: a brand-new flow, initiated by the old responder.
	completed := b.Ingest([]*capture.PacketRecord{
		pkt(t0.Add(2*time.Second), "10.0.0.2", 80, "10.0.0.1", 5000, capture.FlagSYN),
	})
	if len(completed) != 0 {
		t.Fatal("new flow closed unexpectedly")
	}
	if b.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", b.ActiveCount())
	}

	flows := b.FlushAll()
	if len(flows) != 1 {
		t.Fatalf("FlushAll returned %d, want 1", len(flows))
	}
	if flows[0].SrcIP != "10.0.0.2" {
		t.Errorf("new initiator = %s, want 10.0.0.2", flows[0].SrcIP)
	}
}

func TestIngestTieBreakEarlierTimestamp(t *testing.T) {
	b := testBuilder()

	// Batch deliberately out of order: the later packet first.
	b.Ingest([]*capture.PacketRecord{
		pkt(t0.Add(time.Millisecond), "10.0.0.2", 80, "10.0.0.1", 5000, 0),
		pkt(t0, "10.0.0.1", 5000, "10.0.0.2", 80, 0),
	})

	flows := b.FlushAll()
	if len(flows) != 1 {
		t.Fatalf("got %d flows, want 1", len(flows))
	}
	if flows[0].SrcIP != "10.0.0.1" {
		t.Errorf("initiator = %s, want the earlier sender 10.0.0.1", flows[0].SrcIP)
	}
}

func TestIngestTieBreakLexicographic(t *testing.T) {
	b := testBuilder()

	// Identical timestamps: the lexicographically smaller tuple wins.
	b.Ingest([]*capture.PacketRecord{
		pkt(t0, "10.0.0.9", 80, "10.0.0.1", 5000, 0),
		pkt(t0, "10.0.0.1", 5000, "10.0.0.9", 80, 0),
	})

	flows := b.FlushAll()
	if flows[0].SrcIP != "10.0.0.1" {
		t.Errorf("initiator = %s, want 10.0.0.1", flows[0].SrcIP)
	}
}

func TestICMPFlow(t *testing.T) {
	b := testBuilder()

	echo := &capture.PacketRecord{
		Timestamp: t0, SrcIP: "10.0.0.1", DstIP: "8.8.8.8", Protocol: 1, Size: 84,
	}
	reply := &capture.PacketRecord{
		Timestamp: t0.Add(20 * time.Millisecond), SrcIP: "8.8.8.8", DstIP: "10.0.0.1", Protocol: 1, Size: 84,
	}
	b.Ingest([]*capture.PacketRecord{echo, reply})

	flows := b.FlushAll()
	if len(flows) != 1 {
		t.Fatalf("got %d flows, want 1", len(flows))
	}
	f := flows[0]
	if f.SrcPort != 0 || f.DstPort != 0 {
		t.Errorf("ICMP ports = %d/%d, want 0/0", f.SrcPort, f.DstPort)
	}
	if len(f.Fwd) != 1 || len(f.Bwd) != 1 {
		t.Errorf("fwd/bwd = %d/%d, want 1/1", len(f.Fwd), len(f.Bwd))
	}
	if f.CompletionReason != ReasonFlushed {
		t.Errorf("reason = %q, want %q", f.CompletionReason, ReasonFlushed)
	}
}

func TestZeroPayloadCountsForFlags(t *testing.T) {
	b := testBuilder()
	b.Ingest([]*capture.PacketRecord{
		pkt(t0, "10.0.0.1", 5000, "10.0.0.2", 80, capture.FlagSYN),
		pkt(t0.Add(time.Millisecond), "10.0.0.1", 5000, "10.0.0.2", 80, capture.FlagPSH|capture.FlagACK),
	})

	flows := b.FlushAll()
	f := flows[0]
	if len(f.Fwd) != 2 {
		t.Fatalf("fwd packets = %d, want 2", len(f.Fwd))
	}
	if f.Fwd[0].Flags&capture.FlagSYN == 0 {
		t.Error("SYN flag lost on zero-payload packet")
	}
	if f.Fwd[1].Flags&capture.FlagPSH == 0 {
		t.Error("PSH flag lost on zero-payload packet")
	}
}
