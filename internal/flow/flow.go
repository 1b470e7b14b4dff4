// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow reconstructs bidirectional network flows from packet
// records. A flow is keyed by the canonical 5-tuple so both directions
// of a conversation share one entry; the sender of the first packet is
// the initiator and defines the forward direction.
package flow

import (
	"fmt"
	"time"

	"grimm.is/nds/internal/capture"
)

// Completion reasons recorded on a closed flow.
const (
	ReasonTimeout     = "timeout"
	ReasonRST         = "rst"
	ReasonFIN         = "fin"
	ReasonMaxDuration = "max_duration"
	ReasonFlushed     = "flushed"
)

// PacketMeta is the per-packet detail a flow keeps for feature
// extraction.
type PacketMeta struct {
	Timestamp time.Time
	Size      int
	Flags     uint8
	Window    uint16
	Payload   int
}

// Flow is one bidirectional conversation. Forward is the direction of
// the first packet seen.
type Flow struct {
	ID       string
	Key      string
	SrcIP    string
	DstIP    string
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8

	FirstSeen time.Time
	LastSeen  time.Time

	Fwd      []PacketMeta
	Bwd      []PacketMeta
	FwdBytes int64
	BwdBytes int64

	CompletionReason string

	finFwd bool
	finBwd bool
}

func newFlow(key string, rec *capture.PacketRecord) *Flow {
	return &Flow{
		Key:       key,
		SrcIP:     rec.SrcIP,
		DstIP:     rec.DstIP,
		SrcPort:   rec.SrcPort,
		DstPort:   rec.DstPort,
		Protocol:  rec.Protocol,
		FirstSeen: rec.Timestamp,
		LastSeen:  rec.Timestamp,
	}
}

// add appends rec to the matching direction bucket and returns the
// completion reason if this packet closed the flow, or "".
func (f *Flow) add(rec *capture.PacketRecord) string {
	meta := PacketMeta{
		Timestamp: rec.Timestamp,
		Size:      rec.Size,
		Flags:     rec.TCPFlags,
		Window:    rec.TCPWindow,
		Payload:   rec.PayloadSize,
	}

	forward := rec.SrcIP == f.SrcIP && rec.SrcPort == f.SrcPort
	if forward {
		f.Fwd = append(f.Fwd, meta)
		f.FwdBytes += int64(rec.Size)
	} else {
		f.Bwd = append(f.Bwd, meta)
		f.BwdBytes += int64(rec.Size)
	}
	if rec.Timestamp.After(f.LastSeen) {
		f.LastSeen = rec.Timestamp
	}

	if rec.TCPFlags&capture.FlagRST != 0 {
		return ReasonRST
	}
	if rec.TCPFlags&capture.FlagFIN != 0 {
		if forward {
			f.finFwd = true
		} else {
			f.finBwd = true
		}
	}
	// The close requires FIN in both directions and a trailing ACK;
	// the second FIN usually carries that ACK itself.
	if f.finFwd && f.finBwd && rec.TCPFlags&capture.FlagACK != 0 {
		return ReasonFIN
	}
	return ""
}

// Duration is the wall time between the first and last packet.
func (f *Flow) Duration() time.Duration {
	d := f.LastSeen.Sub(f.FirstSeen)
	if d < 0 {
		return 0
	}
	return d
}

// PacketCount returns the total packets in both directions.
func (f *Flow) PacketCount() int {
	return len(f.Fwd) + len(f.Bwd)
}

// TotalBytes returns the byte total over both directions.
func (f *Flow) TotalBytes() int64 {
	return f.FwdBytes + f.BwdBytes
}

// Complete reports whether the flow has closed.
func (f *Flow) Complete() bool {
	return f.CompletionReason != ""
}

// Key builds the canonical flow key: both endpoints sorted so either
// direction maps to the same entry, protocol appended.
func Key(srcIP string, srcPort uint16, dstIP string, dstPort uint16, proto uint8) string {
	aIP, aPort, bIP, bPort := srcIP, srcPort, dstIP, dstPort
	if !endpointLess(aIP, aPort, bIP, bPort) {
		aIP, aPort, bIP, bPort = bIP, bPort, aIP, aPort
	}
	return fmt.Sprintf("%s:%d|%s:%d|%d", aIP, aPort, bIP, bPort, proto)
}

// endpointLess orders (ip,port) tuples lexicographically: IP first,
// port as tie-break.
func endpointLess(ipA string, portA uint16, ipB string, portB uint16) bool {
	if ipA != ipB {
		return ipA < ipB
	}
	return portA <= portB
}
