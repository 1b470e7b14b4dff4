// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package features

import (
	"math"
	"testing"
	"time"

	"grimm.is/nds/internal/capture"
	"grimm.is/nds/internal/flow"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }

// handshakeFlow is a 5-packet TCP exchange with hand-computed feature
// values used across the tests below.
func handshakeFlow() *flow.Flow {
	return &flow.Flow{
		SrcIP: "10.0.0.1", SrcPort: 44123,
		DstIP: "192.168.1.50", DstPort: 443,
		Protocol:  6,
		FirstSeen: at(0),
		LastSeen:  at(20),
		Fwd: []flow.PacketMeta{
			{Timestamp: at(0), Size: 60, Flags: capture.FlagSYN, Window: 64240, Payload: 0},
			{Timestamp: at(10), Size: 52, Flags: capture.FlagACK, Window: 502, Payload: 0},
			{Timestamp: at(20), Size: 152, Flags: capture.FlagPSH | capture.FlagACK, Window: 502, Payload: 100},
		},
		Bwd: []flow.PacketMeta{
			{Timestamp: at(5), Size: 60, Flags: capture.FlagSYN | capture.FlagACK, Window: 65160, Payload: 0},
			{Timestamp: at(15), Size: 252, Flags: capture.FlagPSH | capture.FlagACK, Window: 509, Payload: 200},
		},
		FwdBytes: 264,
		BwdBytes: 312,
	}
}

func approx(t *testing.T, v []float64, idx int, want, tol float64) {
	t.Helper()
	if math.Abs(v[idx]-want) > tol {
		t.Errorf("feature[%d] %s = %v, want %v", idx, Names()[idx], v[idx], want)
	}
}

func exact(t *testing.T, v []float64, idx int, want float64) {
	t.Helper()
	if v[idx] != want {
		t.Errorf("feature[%d] %s = %v, want %v", idx, Names()[idx], v[idx], want)
	}
}

func TestExtractVectorShape(t *testing.T) {
	v := Extract(handshakeFlow())
	if len(v) != Count {
		t.Fatalf("len = %d, want %d", len(v), Count)
	}
	if len(Names()) != Count {
		t.Fatalf("Names() has %d entries, want %d", len(Names()), Count)
	}
	seen := make(map[string]int, Count)
	for i, n := range Names() {
		if prev, ok := seen[n]; ok {
			t.Errorf("duplicate feature name %q at %d and %d", n, prev, i)
		}
		seen[n] = i
	}
}

func TestExtractBasicCounts(t *testing.T) {
	v := Extract(handshakeFlow())

	exact(t, v, 0, 443)
	exact(t, v, 1, 20000) // 20 ms in microseconds
	exact(t, v, 2, 3)
	exact(t, v, 3, 2)
	exact(t, v, 4, 264)
	exact(t, v, 5, 312)
}

func TestExtractLengthStats(t *testing.T) {
	v := Extract(handshakeFlow())

	exact(t, v, 6, 152)
	exact(t, v, 7, 52)
	exact(t, v, 8, 88)
	approx(t, v, 9, 45.372533, 1e-4)
	exact(t, v, 10, 252)
	exact(t, v, 11, 60)
	exact(t, v, 12, 156)
	exact(t, v, 13, 96)

	exact(t, v, 38, 52)
	exact(t, v, 39, 252)
	approx(t, v, 40, 115.2, 1e-9)
	approx(t, v, 41, 77.661819, 1e-4)
	approx(t, v, 42, 6031.36, 1e-6)
}

func TestExtractRates(t *testing.T) {
	v := Extract(handshakeFlow())

	approx(t, v, 14, 28800, 1e-6) // 576 bytes / 0.02 s
	approx(t, v, 15, 250, 1e-6)   // 5 packets / 0.02 s
	approx(t, v, 36, 150, 1e-6)
	approx(t, v, 37, 100, 1e-6)
}

func TestExtractIAT(t *testing.T) {
	v := Extract(handshakeFlow())

	// Merged arrivals every 5 ms.
	approx(t, v, 16, 0.005, 1e-9)
	approx(t, v, 17, 0, 1e-9)
	approx(t, v, 18, 0.005, 1e-9)
	approx(t, v, 19, 0.005, 1e-9)

	// Forward arrivals every 10 ms.
	approx(t, v, 20, 0.02, 1e-9)
	approx(t, v, 21, 0.01, 1e-9)
	approx(t, v, 22, 0, 1e-9)
	approx(t, v, 23, 0.01, 1e-9)
	approx(t, v, 24, 0.01, 1e-9)

	approx(t, v, 25, 0.01, 1e-9)
	approx(t, v, 26, 0.01, 1e-9)
}

func TestExtractFlags(t *testing.T) {
	v := Extract(handshakeFlow())

	exact(t, v, 30, 1) // fwd PSH
	exact(t, v, 31, 1) // bwd PSH
	exact(t, v, 32, 0)
	exact(t, v, 33, 0)
	exact(t, v, 43, 0) // FIN
	exact(t, v, 44, 2) // SYN
	exact(t, v, 45, 0) // RST
	exact(t, v, 46, 2) // PSH
	exact(t, v, 47, 4) // ACK
	exact(t, v, 48, 0) // URG
	exact(t, v, 49, 0) // CWR
	exact(t, v, 50, 0) // ECE
}

func TestExtractDerived(t *testing.T) {
	v := Extract(handshakeFlow())

	exact(t, v, 34, 120)
	exact(t, v, 35, 80)
	approx(t, v, 51, 2.0/3.0, 1e-9)
	approx(t, v, 52, 115.2, 1e-9)
	exact(t, v, 53, 88)
	exact(t, v, 54, 156)
	exact(t, v, 55, 120) // repeat of 34

	exact(t, v, 62, 3)
	exact(t, v, 63, 264)
	exact(t, v, 64, 2)
	exact(t, v, 65, 312)

	exact(t, v, 66, 64240)
	exact(t, v, 67, 65160)
	exact(t, v, 68, 1)  // one fwd packet with payload
	exact(t, v, 69, 52) // smallest fwd packet
}

func TestExtractZeroedBlocks(t *testing.T) {
	v := Extract(handshakeFlow())
	for i := 56; i <= 61; i++ {
		exact(t, v, i, 0)
	}
	for i := 70; i <= 77; i++ {
		exact(t, v, i, 0)
	}
}

func TestExtractSinglePacketFlow(t *testing.T) {
	f := &flow.Flow{
		SrcIP: "10.0.0.1", SrcPort: 9999,
		DstIP: "10.0.0.2", DstPort: 53,
		Protocol:  17,
		FirstSeen: at(0),
		LastSeen:  at(0),
		Fwd: []flow.PacketMeta{
			{Timestamp: at(0), Size: 70, Payload: 42},
		},
		FwdBytes: 70,
	}
	v := Extract(f)

	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			t.Fatalf("feature[%d] %s is %v for a single-packet flow", i, Names()[i], x)
		}
	}

	exact(t, v, 0, 53)
	exact(t, v, 1, 0)  // zero duration
	exact(t, v, 14, 0) // rate with zero duration
	exact(t, v, 15, 0)
	exact(t, v, 16, 0) // no inter-arrivals
	exact(t, v, 51, 0) // no backward packets
	exact(t, v, 54, 0) // empty bwd mean
	exact(t, v, 68, 1)
}

func TestExtractEmptyForwardDirection(t *testing.T) {
	// Pathological but possible via flush: only backward packets.
	f := &flow.Flow{
		SrcIP: "10.0.0.1", SrcPort: 1000,
		DstIP: "10.0.0.2", DstPort: 2000,
		Protocol:  6,
		FirstSeen: at(0),
		LastSeen:  at(10),
		Bwd: []flow.PacketMeta{
			{Timestamp: at(0), Size: 60},
			{Timestamp: at(10), Size: 60},
		},
		BwdBytes: 120,
	}
	v := Extract(f)

	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			t.Fatalf("feature[%d] %s is %v with empty fwd direction", i, Names()[i], x)
		}
	}
	exact(t, v, 2, 0)
	exact(t, v, 51, 0) // fwd empty forces ratio to 0
	exact(t, v, 66, 0) // no first fwd window
	exact(t, v, 69, 0)
}

func TestExtractDeterministic(t *testing.T) {
	a := Extract(handshakeFlow())
	b := Extract(handshakeFlow())
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("feature[%d] differs between identical flows: %v vs %v", i, a[i], b[i])
		}
	}
}
