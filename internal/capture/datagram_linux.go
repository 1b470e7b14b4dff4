// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package capture

import (
	"net"
	"os"
	"time"

	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"

	"grimm.is/nds/internal/errors"
)

// datagramSource reads bare IP datagrams from an AF_PACKET SOCK_DGRAM
// socket. The kernel strips the link layer, so no libpcap is needed.
type datagramSource struct {
	conn    *packet.Conn
	timeout time.Duration
	buf     []byte
}

func openDatagram(iface string, timeout time.Duration) (packetSource, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "interface %s", iface)
	}
	conn, err := packet.Listen(ifi, packet.Datagram, unix.ETH_P_ALL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "open AF_PACKET socket")
	}
	return &datagramSource{
		conn:    conn,
		timeout: timeout,
		buf:     make([]byte, 65536),
	}, nil
}

func (d *datagramSource) ReadPacket() (*PacketRecord, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		return nil, err
	}
	n, _, err := d.conn.ReadFrom(d.buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, errPollTimeout
		}
		return nil, err
	}
	rec, ok := decodeDatagram(d.buf[:n], time.Now())
	if !ok {
		return nil, nil
	}
	return rec, nil
}

func (d *datagramSource) Close() {
	d.conn.Close()
}
