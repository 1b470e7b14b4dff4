// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package features turns completed flows into fixed-order statistical
// feature vectors. The order and width are contractual: the fitted
// artifacts were trained against exactly this layout, so any change
// here silently corrupts every downstream prediction.
package features

import (
	"math"
	"sort"

	"grimm.is/nds/internal/capture"
	"grimm.is/nds/internal/flow"
)

// Count is the fixed width of every feature vector.
const Count = 78

// Extract computes the feature vector for a completed flow. The result
// never contains NaN or Inf: empty statistics and zero denominators
// produce 0.
func Extract(f *flow.Flow) []float64 {
	v := make([]float64, Count)

	fwdSizes := sizes(f.Fwd)
	bwdSizes := sizes(f.Bwd)
	allSizes := append(append(make([]float64, 0, len(fwdSizes)+len(bwdSizes)), fwdSizes...), bwdSizes...)

	durSec := f.Duration().Seconds()

	v[0] = float64(f.DstPort)
	v[1] = durSec * 1e6

	v[2] = float64(len(f.Fwd))
	v[3] = float64(len(f.Bwd))
	v[4] = float64(f.FwdBytes)
	v[5] = float64(f.BwdBytes)

	v[6] = maxOf(fwdSizes)
	v[7] = minOf(fwdSizes)
	v[8] = mean(fwdSizes)
	v[9] = stddev(fwdSizes)
	v[10] = maxOf(bwdSizes)
	v[11] = minOf(bwdSizes)
	v[12] = mean(bwdSizes)
	v[13] = stddev(bwdSizes)

	v[14] = safeDiv(float64(f.TotalBytes()), durSec)
	v[15] = safeDiv(float64(f.PacketCount()), durSec)

	flowIAT := interArrivals(mergedTimes(f))
	v[16] = mean(flowIAT)
	v[17] = stddev(flowIAT)
	v[18] = maxOf(flowIAT)
	v[19] = minOf(flowIAT)

	fwdIAT := interArrivals(times(f.Fwd))
	v[20] = sum(fwdIAT)
	v[21] = mean(fwdIAT)
	v[22] = stddev(fwdIAT)
	v[23] = maxOf(fwdIAT)
	v[24] = minOf(fwdIAT)

	bwdIAT := interArrivals(times(f.Bwd))
	v[25] = sum(bwdIAT)
	v[26] = mean(bwdIAT)
	v[27] = stddev(bwdIAT)
	v[28] = maxOf(bwdIAT)
	v[29] = minOf(bwdIAT)

	v[30] = flagCount(f.Fwd, capture.FlagPSH)
	v[31] = flagCount(f.Bwd, capture.FlagPSH)
	v[32] = flagCount(f.Fwd, capture.FlagURG)
	v[33] = flagCount(f.Bwd, capture.FlagURG)

	// Header length approximated as 20 bytes IP + 20 bytes TCP per packet.
	v[34] = float64(len(f.Fwd)) * 40
	v[35] = float64(len(f.Bwd)) * 40

	v[36] = safeDiv(float64(len(f.Fwd)), durSec)
	v[37] = safeDiv(float64(len(f.Bwd)), durSec)

	v[38] = minOf(allSizes)
	v[39] = maxOf(allSizes)
	v[40] = mean(allSizes)
	v[41] = stddev(allSizes)
	v[42] = v[41] * v[41]

	v[43] = flagCount(f.Fwd, capture.FlagFIN) + flagCount(f.Bwd, capture.FlagFIN)
	v[44] = flagCount(f.Fwd, capture.FlagSYN) + flagCount(f.Bwd, capture.FlagSYN)
	v[45] = flagCount(f.Fwd, capture.FlagRST) + flagCount(f.Bwd, capture.FlagRST)
	v[46] = flagCount(f.Fwd, capture.FlagPSH) + flagCount(f.Bwd, capture.FlagPSH)
	v[47] = flagCount(f.Fwd, capture.FlagACK) + flagCount(f.Bwd, capture.FlagACK)
	v[48] = flagCount(f.Fwd, capture.FlagURG) + flagCount(f.Bwd, capture.FlagURG)
	v[49] = flagCount(f.Fwd, capture.FlagCWR) + flagCount(f.Bwd, capture.FlagCWR)
	v[50] = flagCount(f.Fwd, capture.FlagECE) + flagCount(f.Bwd, capture.FlagECE)

	v[51] = safeDiv(float64(len(f.Bwd)), float64(len(f.Fwd)))

	v[52] = safeDiv(float64(f.TotalBytes()), float64(f.PacketCount()))
	v[53] = safeDiv(float64(f.FwdBytes), float64(len(f.Fwd)))
	v[54] = safeDiv(float64(f.BwdBytes), float64(len(f.Bwd)))
	v[55] = v[34]

	// 56..61: bulk transfer statistics, not modelled. Always zero.

	v[62] = float64(len(f.Fwd))
	v[63] = float64(f.FwdBytes)
	v[64] = float64(len(f.Bwd))
	v[65] = float64(f.BwdBytes)

	if len(f.Fwd) > 0 {
		v[66] = float64(f.Fwd[0].Window)
	}
	if len(f.Bwd) > 0 {
		v[67] = float64(f.Bwd[0].Window)
	}

	v[68] = payloadCount(f.Fwd)
	v[69] = minOf(fwdSizes)

	// 70..77: active/idle burst statistics, not modelled. Always zero.

	return v
}

// Names returns the canonical feature names, index-aligned with
// Extract output.
func Names() []string {
	return []string{
		"Destination Port", "Flow Duration",
		"Total Fwd Packets", "Total Backward Packets",
		"Total Length of Fwd Packets", "Total Length of Bwd Packets",
		"Fwd Packet Length Max", "Fwd Packet Length Min",
		"Fwd Packet Length Mean", "Fwd Packet Length Std",
		"Bwd Packet Length Max", "Bwd Packet Length Min",
		"Bwd Packet Length Mean", "Bwd Packet Length Std",
		"Flow Bytes/s", "Flow Packets/s",
		"Flow IAT Mean", "Flow IAT Std", "Flow IAT Max", "Flow IAT Min",
		"Fwd IAT Total", "Fwd IAT Mean", "Fwd IAT Std", "Fwd IAT Max", "Fwd IAT Min",
		"Bwd IAT Total", "Bwd IAT Mean", "Bwd IAT Std", "Bwd IAT Max", "Bwd IAT Min",
		"Fwd PSH Flags", "Bwd PSH Flags", "Fwd URG Flags", "Bwd URG Flags",
		"Fwd Header Length", "Bwd Header Length",
		"Fwd Packets/s", "Bwd Packets/s",
		"Min Packet Length", "Max Packet Length",
		"Packet Length Mean", "Packet Length Std", "Packet Length Variance",
		"FIN Flag Count", "SYN Flag Count", "RST Flag Count", "PSH Flag Count",
		"ACK Flag Count", "URG Flag Count", "CWE Flag Count", "ECE Flag Count",
		"Down/Up Ratio", "Average Packet Size",
		"Avg Fwd Segment Size", "Avg Bwd Segment Size",
		"Fwd Header Length.1",
		"Fwd Avg Bytes/Bulk", "Fwd Avg Packets/Bulk", "Fwd Avg Bulk Rate",
		"Bwd Avg Bytes/Bulk", "Bwd Avg Packets/Bulk", "Bwd Avg Bulk Rate",
		"Subflow Fwd Packets", "Subflow Fwd Bytes",
		"Subflow Bwd Packets", "Subflow Bwd Bytes",
		"Init_Win_bytes_forward", "Init_Win_bytes_backward",
		"act_data_pkt_fwd", "min_seg_size_forward",
		"Active Mean", "Active Std", "Active Max", "Active Min",
		"Idle Mean", "Idle Std", "Idle Max", "Idle Min",
	}
}

func sizes(pkts []flow.PacketMeta) []float64 {
	out := make([]float64, len(pkts))
	for i, p := range pkts {
		out[i] = float64(p.Size)
	}
	return out
}

func times(pkts []flow.PacketMeta) []float64 {
	out := make([]float64, len(pkts))
	for i, p := range pkts {
		out[i] = float64(p.Timestamp.UnixNano()) / 1e9
	}
	return out
}

// mergedTimes returns the arrival times of both directions in one
// sorted slice, in seconds.
func mergedTimes(f *flow.Flow) []float64 {
	out := make([]float64, 0, len(f.Fwd)+len(f.Bwd))
	out = append(out, times(f.Fwd)...)
	out = append(out, times(f.Bwd)...)
	sort.Float64s(out)
	return out
}

// interArrivals returns consecutive gaps in seconds. Fewer than two
// samples produce no gaps.
func interArrivals(ts []float64) []float64 {
	if len(ts) < 2 {
		return nil
	}
	out := make([]float64, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		out[i-1] = ts[i] - ts[i-1]
	}
	return out
}

func flagCount(pkts []flow.PacketMeta, bit uint8) float64 {
	var n float64
	for _, p := range pkts {
		if p.Flags&bit != 0 {
			n++
		}
	}
	return n
}

func payloadCount(pkts []flow.PacketMeta) float64 {
	var n float64
	for _, p := range pkts {
		if p.Payload > 0 {
			n++
		}
	}
	return n
}

func sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return sum(xs) / float64(len(xs))
}

// stddev is the population standard deviation (ddof=0), matching how
// the artifacts were fitted.
func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

func minOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
