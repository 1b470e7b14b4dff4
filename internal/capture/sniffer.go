// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture reads packets off a network interface and feeds
// decoded records into a fixed-size ring. It prefers libpcap with a
// kernel BPF filter and degrades to an unfiltered pcap handle, then to
// a plain AF_PACKET datagram socket on Linux.
package capture

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"

	"grimm.is/nds/internal/errors"
	"grimm.is/nds/internal/logging"
)

// bpfIPOnly keeps non-IP frames out of the ring at the kernel level.
const bpfIPOnly = "ip or ip6"

// Capture modes, in fallback order.
const (
	ModePcapFilter = "pcap+bpf"
	ModePcapRaw    = "pcap"
	ModeDatagram   = "af_packet"
	ModeOff        = "off"
)

// errPollTimeout signals an idle poll interval rather than a failure.
var errPollTimeout = errors.New(errors.KindTimeout, "poll timeout")

// readErrorBackoff is how long the read loop pauses after a counted
// error so a persistent failure (interface down, fd revoked) does not
// spin the capture goroutine.
const readErrorBackoff = 500 * time.Millisecond

// Config controls how the sniffer opens the interface.
type Config struct {
	Interface   string
	SnapLen     int32
	Promiscuous bool
	PollTimeout time.Duration
}

// DefaultConfig returns the standard live-capture configuration.
func DefaultConfig(iface string) Config {
	return Config{
		Interface:   iface,
		SnapLen:     65535,
		Promiscuous: true,
		PollTimeout: time.Second,
	}
}

// Status is a point-in-time view of the capture state.
type Status struct {
	Running         bool   `json:"running"`
	Interface       string `json:"interface"`
	Mode            string `json:"mode"`
	PacketsCaptured uint64 `json:"packets_captured"`
	CaptureErrors   uint64 `json:"capture_errors"`
	RingDrops       uint64 `json:"ring_drops"`
	RingLen         int    `json:"ring_len"`
	RingCap         int    `json:"ring_cap"`
	LastError       string `json:"last_error,omitempty"`
}

// InterfaceInfo describes one capture candidate.
type InterfaceInfo struct {
	Name      string   `json:"name"`
	Up        bool     `json:"up"`
	Loopback  bool     `json:"is_loopback"`
	MTU       int      `json:"mtu"`
	Addresses []string `json:"addresses"`
}

// packetSource abstracts the capture modes behind one read loop. A nil
// record with nil error means the frame was not IP and is skipped.
type packetSource interface {
	ReadPacket() (*PacketRecord, error)
	Close()
}

// Sniffer owns the capture goroutine. Start and Stop may be called
// repeatedly; the sniffer is single-flight.
type Sniffer struct {
	cfg    Config
	ring   *Ring
	logger *logging.Logger

	packets       atomic.Uint64
	captureErrors atomic.Uint64

	mu        sync.Mutex
	running   bool
	mode      string
	iface     string
	lastError string
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSniffer creates a sniffer writing into ring.
func NewSniffer(cfg Config, ring *Ring, logger *logging.Logger) *Sniffer {
	if cfg.SnapLen <= 0 {
		cfg.SnapLen = 65535
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	return &Sniffer{
		cfg:    cfg,
		ring:   ring,
		logger: logger,
		mode:   ModeOff,
	}
}

// Start resolves the interface, opens a packet source and launches the
// read loop. It fails if capture is already running.
func (s *Sniffer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New(errors.KindValidation, "capture already running")
	}

	iface, err := resolveInterface(s.cfg.Interface)
	if err != nil {
		s.lastError = err.Error()
		return err
	}

	src, mode, err := s.openSource(iface)
	if err != nil {
		s.lastError = err.Error()
		return err
	}
	s.lastError = ""

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.running = true
	s.mode = mode
	s.iface = iface
	s.cancel = cancel
	s.done = done

	s.logger.Info("capture started", "interface", iface, "mode", mode)

	go s.loop(loopCtx, src, done)

	// Stop the loop if the parent context ends first.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return nil
}

// Stop halts the read loop and closes the packet source. Stopping an
// idle sniffer is a no-op.
func (s *Sniffer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.mode = ModeOff
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	s.logger.Info("capture stopped")
	return nil
}

// Status returns the current capture state and counters.
func (s *Sniffer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:         s.running,
		Interface:       s.iface,
		Mode:            s.mode,
		PacketsCaptured: s.packets.Load(),
		CaptureErrors:   s.captureErrors.Load(),
		RingDrops:       s.ring.Overflows(),
		RingLen:         s.ring.Len(),
		RingCap:         s.ring.Cap(),
		LastError:       s.lastError,
	}
}

// SetInterface changes the capture interface. The sniffer must be
// stopped first; the change takes effect on the next Start.
func (s *Sniffer) SetInterface(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New(errors.KindValidation, "stop capture before changing the interface")
	}
	if _, err := resolveInterface(name); err != nil {
		return err
	}
	s.cfg.Interface = name
	return nil
}

// Interface returns the configured interface name.
func (s *Sniffer) Interface() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.iface != "" {
		return s.iface
	}
	return s.cfg.Interface
}

func (s *Sniffer) loop(ctx context.Context, src packetSource, done chan struct{}) {
	defer close(done)
	defer src.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rec, err := src.ReadPacket()
		if err != nil {
			if err == errPollTimeout {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.captureErrors.Add(1)
			s.recordError(err)
			s.logger.Debug("packet read failed", "error", err)
			// A persistent error (interface gone, fd revoked) would
			// otherwise spin this goroutine.
			select {
			case <-ctx.Done():
				return
			case <-time.After(readErrorBackoff):
			}
			continue
		}
		if rec == nil {
			continue
		}

		s.ring.Push(rec)
		s.packets.Add(1)
	}
}

// recordError keeps the most recent read failure for Status.
func (s *Sniffer) recordError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

// openSource tries the capture modes in order: pcap with a BPF filter,
// pcap unfiltered, then an AF_PACKET datagram socket.
func (s *Sniffer) openSource(iface string) (packetSource, string, error) {
	handle, err := pcap.OpenLive(iface, s.cfg.SnapLen, s.cfg.Promiscuous, s.cfg.PollTimeout)
	if err == nil {
		mode := ModePcapFilter
		if ferr := handle.SetBPFFilter(bpfIPOnly); ferr != nil {
			s.logger.Warn("BPF filter rejected, capturing unfiltered", "error", ferr)
			mode = ModePcapRaw
		}
		return &pcapSource{handle: handle, link: handle.LinkType()}, mode, nil
	}

	s.logger.Warn("pcap open failed, trying datagram socket", "interface", iface, "error", err)

	src, derr := openDatagram(iface, s.cfg.PollTimeout)
	if derr != nil {
		return nil, "", errors.Wrapf(derr, errors.KindUnavailable, "open capture on %s", iface)
	}
	return src, ModeDatagram, nil
}

type pcapSource struct {
	handle *pcap.Handle
	link   layers.LinkType
}

func (p *pcapSource) ReadPacket() (*PacketRecord, error) {
	data, ci, err := p.handle.ReadPacketData()
	if err != nil {
		if err == pcap.NextErrorTimeoutExpired {
			return nil, errPollTimeout
		}
		return nil, err
	}
	rec, ok := decodeFrame(data, p.link, ci.Timestamp)
	if !ok {
		return nil, nil
	}
	return rec, nil
}

func (p *pcapSource) Close() {
	p.handle.Close()
}

// ListInterfaces enumerates the host interfaces with their addresses.
func ListInterfaces() ([]InterfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "list interfaces")
	}

	out := make([]InterfaceInfo, 0, len(ifaces))
	for _, ifi := range ifaces {
		info := InterfaceInfo{
			Name:     ifi.Name,
			Up:       ifi.Flags&net.FlagUp != 0,
			Loopback: ifi.Flags&net.FlagLoopback != 0,
			MTU:      ifi.MTU,
		}
		addrs, err := ifi.Addrs()
		if err == nil {
			for _, a := range addrs {
				info.Addresses = append(info.Addresses, a.String())
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// resolveInterface maps "auto" (or empty) to the first usable interface
// and verifies explicit names exist.
func resolveInterface(name string) (string, error) {
	if name != "" && name != "auto" {
		if _, err := net.InterfaceByName(name); err != nil {
			return "", errors.Wrapf(err, errors.KindNotFound, "interface %s", name)
		}
		return name, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "list interfaces")
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		return ifi.Name, nil
	}
	return "", errors.New(errors.KindNotFound, "no usable capture interface found")
}
