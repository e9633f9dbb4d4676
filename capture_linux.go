package vqlab

//
// Packet capture on Linux
//

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"golang.org/x/sys/unix"
)

// Capture captures the frames crossing an interface of the root network
// namespace (i.e., a switch port) into a PCAP file. The zero value is
// invalid; use [StartCapture] to instantiate.
type Capture struct {
	// cancel stops the background goroutines.
	cancel context.CancelFunc

	// closeOnce provides "once" semantics for close.
	closeOnce sync.Once

	// ifname is the name of the interface.
	ifname string

	// joined is closed when the writer goroutine has terminated.
	joined chan any

	// logger is the logger to use.
	logger Logger

	// pic is the channel where we post packets to capture.
	pic chan *capturePacketInfo

	// readerDone is closed when the reader goroutine has closed the source.
	readerDone chan any
}

// capturePacketInfo contains info about a packet.
type capturePacketInfo struct {
	ci       gopacket.CaptureInfo
	snapshot []byte
}

// captureSnapLen is the number of bytes we save for each frame, which
// is enough for the link, network, and transport headers.
const captureSnapLen = 256

// captureReadTimeout bounds how long the reader waits for a frame before
// checking whether we have been closed.
const captureReadTimeout = 250 * time.Millisecond

// errCaptureTimeout indicates that no frame arrived within the read timeout.
var errCaptureTimeout = errors.New("vqlab: capture read timeout")

// captureSource is where we read frames from.
type captureSource interface {
	// ReadFrame reads a frame into buf and returns the frame length on the
	// wire, which may be larger than len(buf). It returns errCaptureTimeout
	// when no frame arrives within the read timeout.
	ReadFrame(buf []byte) (int, error)

	// Close closes the source.
	Close() error
}

// afPacketSource is a [captureSource] using an AF_PACKET socket.
type afPacketSource struct {
	fd int
}

var _ captureSource = &afPacketSource{}

// htons converts to network byte order.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// newAFPacketSource opens a raw socket bound to ifname whose reads time out.
func newAFPacketSource(ifname string) (*afPacketSource, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("vqlab: cannot query interface %s: %w", ifname, err)
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("vqlab: cannot open packet socket: %w", err)
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vqlab: cannot bind to %s: %w", ifname, err)
	}
	tv := unix.NsecToTimeval(captureReadTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vqlab: cannot set read timeout: %w", err)
	}
	return &afPacketSource{fd: fd}, nil
}

// ReadFrame implements captureSource.
func (s *afPacketSource) ReadFrame(buf []byte) (int, error) {
	// MSG_TRUNC makes recvfrom return the length on the wire
	n, _, err := unix.Recvfrom(s.fd, buf, unix.MSG_TRUNC)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, errCaptureTimeout
	default:
		return 0, err
	}
}

// Close implements captureSource.
func (s *afPacketSource) Close() error {
	return unix.Close(s.fd)
}

// StartCapture opens a raw socket bound to ifname and starts writing the
// frames it sees into filename. This function creates background
// goroutines; call [Capture.Close] to stop capturing and flush the file.
func StartCapture(ifname, filename string, logger Logger) (*Capture, error) {
	source, err := newAFPacketSource(ifname)
	if err != nil {
		return nil, err
	}
	filep, err := os.Create(filename)
	if err != nil {
		source.Close()
		return nil, err
	}
	c := newCapture(ifname, source, filep, logger)
	logger.Infof("vqlab: capturing %s into %s", ifname, filename)
	return c, nil
}

// newCapture starts the goroutines reading from source and writing into filep.
func newCapture(ifname string, source captureSource, filep *os.File, logger Logger) *Capture {
	const manyPackets = 4096
	ctx, cancel := context.WithCancel(context.Background())
	c := &Capture{
		cancel:     cancel,
		closeOnce:  sync.Once{},
		ifname:     ifname,
		joined:     make(chan any),
		logger:     logger,
		pic:        make(chan *capturePacketInfo, manyPackets),
		readerDone: make(chan any),
	}
	go c.readLoop(ctx, source)
	go c.writeLoop(ctx, filep)
	return c
}

// readLoop reads frames from the source until Close or a read error.
func (c *Capture) readLoop(ctx context.Context, source captureSource) {
	// synchronize with Close
	defer close(c.readerDone)

	defer source.Close()
	buf := make([]byte, captureSnapLen)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		length, err := source.ReadFrame(buf)
		if errors.Is(err, errCaptureTimeout) {
			continue
		}
		if err != nil {
			c.logger.Debugf("vqlab: capture %s: %s", c.ifname, err.Error())
			return
		}
		captureLength := length
		if captureLength > len(buf) {
			captureLength = len(buf)
		}
		pinfo := &capturePacketInfo{
			ci: gopacket.CaptureInfo{
				Timestamp:     time.Now(),
				CaptureLength: captureLength,
				Length:        length,
			},
			snapshot: append([]byte{}, buf[:captureLength]...), // duplicate
		}
		select {
		case c.pic <- pinfo:
		default:
			// just drop from the capture
		}
	}
}

// writeLoop writes the captured frames into the PCAP file.
func (c *Capture) writeLoop(ctx context.Context, filep *os.File) {
	// synchronize with Close
	defer close(c.joined)

	defer func() {
		if err := filep.Close(); err != nil {
			c.logger.Warnf("vqlab: capture: filep.Close: %s", err.Error())
			// fallthrough
		}
	}()

	w := pcapgo.NewWriter(filep)
	if err := w.WriteFileHeader(captureSnapLen, layers.LinkTypeEthernet); err != nil {
		c.logger.Warnf("vqlab: capture: WriteFileHeader: %s", err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			// wait for the reader so we flush all it has read
			<-c.readerDone
			for {
				select {
				case pinfo := <-c.pic:
					c.writeEntry(w, pinfo)
				default:
					return
				}
			}
		case pinfo := <-c.pic:
			c.writeEntry(w, pinfo)
		}
	}
}

// writeEntry writes the given packet entry into the PCAP file.
func (c *Capture) writeEntry(w *pcapgo.Writer, pinfo *capturePacketInfo) {
	if err := w.WritePacket(pinfo.ci, pinfo.snapshot); err != nil {
		c.logger.Warnf("vqlab: capture: WritePacket: %s", err.Error())
		// fallthrough
	}
}

// Close stops capturing, releases the socket, and waits for the PCAP
// file to be written. The reader notices Close within captureReadTimeout.
func (c *Capture) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.readerDone
		<-c.joined
		c.logger.Infof("vqlab: capture %s stopped", c.ifname)
	})
	return nil
}
