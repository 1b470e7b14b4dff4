// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// TCP flag bits as they appear in the TCP header and in the per-flow
// flag counters.
const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagPSH = 0x08
	FlagACK = 0x10
	FlagURG = 0x20
	FlagECE = 0x40
	FlagCWR = 0x80
)

// PacketRecord is the decoded summary of one captured packet. Records
// live only in the ring and the flow table; they are never persisted.
type PacketRecord struct {
	Timestamp   time.Time
	SrcIP       string
	DstIP       string
	SrcPort     uint16
	DstPort     uint16
	Protocol    uint8
	Size        int
	TCPFlags    uint8
	TCPWindow   uint16
	PayloadSize int
}

// fromPacket extracts a PacketRecord from a decoded frame. Non-IP
// traffic is skipped.
func fromPacket(pkt gopacket.Packet) (*PacketRecord, bool) {
	rec := &PacketRecord{Timestamp: pkt.Metadata().Timestamp}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	if ipLayer := pkt.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip, _ := ipLayer.(*layers.IPv4)
		rec.SrcIP = ip.SrcIP.String()
		rec.DstIP = ip.DstIP.String()
		rec.Protocol = uint8(ip.Protocol)
		rec.Size = int(ip.Length)
	} else if ipLayer := pkt.Layer(layers.LayerTypeIPv6); ipLayer != nil {
		ip, _ := ipLayer.(*layers.IPv6)
		rec.SrcIP = ip.SrcIP.String()
		rec.DstIP = ip.DstIP.String()
		rec.Protocol = uint8(ip.NextHeader)
		// The IPv6 length field excludes the 40-byte fixed header.
		rec.Size = int(ip.Length) + 40
	} else {
		return nil, false
	}

	if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp, _ := tcpLayer.(*layers.TCP)
		rec.SrcPort = uint16(tcp.SrcPort)
		rec.DstPort = uint16(tcp.DstPort)
		rec.TCPFlags = tcpFlagBits(tcp)
		rec.TCPWindow = tcp.Window
		rec.PayloadSize = len(tcp.Payload)
	} else if udpLayer := pkt.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp, _ := udpLayer.(*layers.UDP)
		rec.SrcPort = uint16(udp.SrcPort)
		rec.DstPort = uint16(udp.DstPort)
		rec.PayloadSize = len(udp.Payload)
	}

	return rec, true
}

func tcpFlagBits(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= FlagFIN
	}
	if tcp.SYN {
		f |= FlagSYN
	}
	if tcp.RST {
		f |= FlagRST
	}
	if tcp.PSH {
		f |= FlagPSH
	}
	if tcp.ACK {
		f |= FlagACK
	}
	if tcp.URG {
		f |= FlagURG
	}
	if tcp.ECE {
		f |= FlagECE
	}
	if tcp.CWR {
		f |= FlagCWR
	}
	return f
}

// decodeFrame decodes a link-layer frame captured by libpcap.
func decodeFrame(data []byte, linkType layers.LinkType, ts time.Time) (*PacketRecord, bool) {
	pkt := gopacket.NewPacket(data, linkType, gopacket.Default)
	rec, ok := fromPacket(pkt)
	if !ok {
		return nil, false
	}
	if !ts.IsZero() {
		rec.Timestamp = ts
	}
	return rec, true
}

// decodeDatagram decodes a bare IP datagram read from an AF_PACKET
// SOCK_DGRAM socket, where the kernel has already stripped the link
// layer header.
func decodeDatagram(data []byte, ts time.Time) (*PacketRecord, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var first gopacket.LayerType
	switch data[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return nil, false
	}
	pkt := gopacket.NewPacket(data, first, gopacket.Default)
	rec, ok := fromPacket(pkt)
	if !ok {
		return nil, false
	}
	if !ts.IsZero() {
		rec.Timestamp = ts
	}
	return rec, true
}
