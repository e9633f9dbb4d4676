package vqlab

//
// Packet capture summary
//

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ErrCaptureUnsupported indicates that capturing is not supported on this system.
var ErrCaptureUnsupported = errors.New("vqlab: packet capture not supported on this system")

// CaptureSummary summarizes a PCAP file.
type CaptureSummary struct {
	// Packets is the number of captured packets.
	Packets int `json:"packets"`

	// Bytes is the number of bytes on the wire.
	Bytes int64 `json:"bytes"`

	// UDPPackets is the number of UDP datagrams.
	UDPPackets int `json:"udp_packets"`

	// UDPPayloadBytes is the number of bytes carried by UDP datagrams.
	UDPPayloadBytes int64 `json:"udp_payload_bytes"`

	// Elapsed is the time between the first and the last packet.
	Elapsed time.Duration `json:"elapsed"`
}

// Mbps returns the average throughput on the wire in Mbit/s.
func (cs *CaptureSummary) Mbps() float64 {
	if cs.Elapsed <= 0 {
		return 0
	}
	return float64(cs.Bytes*8) / cs.Elapsed.Seconds() / 1e06
}

// SummarizePCAP reads a PCAP file and summarizes its content. We only
// need the headers, so this function works with truncated snapshots.
func SummarizePCAP(filename string) (*CaptureSummary, error) {
	filep, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer filep.Close()
	reader, err := pcapgo.NewReader(filep)
	if err != nil {
		return nil, err
	}
	var (
		first, last time.Time
		summary     = &CaptureSummary{}
	)
	for {
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if first.IsZero() {
			first = ci.Timestamp
		}
		last = ci.Timestamp
		summary.Packets++
		summary.Bytes += int64(ci.Length)
		packet := gopacket.NewPacket(data, reader.LinkType(), gopacket.Lazy)
		if udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
			summary.UDPPackets++
			if udp.Length >= 8 {
				summary.UDPPayloadBytes += int64(udp.Length) - 8
			}
		}
	}
	summary.Elapsed = last.Sub(first)
	return summary, nil
}
