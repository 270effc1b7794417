package voice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"personal/discordie_go/src/models"

	"github.com/pion/rtp"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	encryptionMode = "xsalsa20_poly1305"
	rtpVersion     = 2
	opusPayload    = 0x78
	rtpHeaderSize  = 12
	rtpExtension   = 0x10
)

var ErrDecrypt = errors.New("voice: could not decrypt packet")

// Packet is one received Opus frame.
type Packet struct {
	SSRC      uint32
	Sequence  uint16
	Timestamp uint32
	// UserID is empty until the sender's SSRC has been announced.
	UserID models.Snowflake
	Opus   []byte
}

// packetizer seals frames into encrypted RTP packets for one SSRC.
type packetizer struct {
	mu        sync.Mutex
	ssrc      uint32
	key       [32]byte
	sequence  uint16
	timestamp uint32
}

func (p *packetizer) seal(frame []byte, samples int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	header := rtp.Header{
		Version:        rtpVersion,
		PayloadType:    opusPayload,
		SequenceNumber: p.sequence,
		Timestamp:      p.timestamp,
		SSRC:           p.ssrc,
	}
	raw, err := header.Marshal()
	if err != nil {
		return nil, fmt.Errorf("could not marshal rtp header: %w", err)
	}

	var nonce [24]byte
	copy(nonce[:], raw)
	packet := secretbox.Seal(raw, frame, &nonce, &p.key)

	p.sequence++
	p.timestamp += uint32(samples)
	return packet, nil
}

// openPacket decrypts an inbound packet. The nonce is the fixed RTP header;
// a header extension, when flagged, sits at the start of the decrypted
// payload and is stripped.
func openPacket(packet []byte, key *[32]byte) (*Packet, error) {
	if len(packet) < rtpHeaderSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrDecrypt, len(packet))
	}

	fixed := make([]byte, rtpHeaderSize)
	copy(fixed, packet[:rtpHeaderSize])
	fixed[0] &^= rtpExtension | 0x0F

	var header rtp.Header
	if _, err := header.Unmarshal(fixed); err != nil {
		return nil, fmt.Errorf("could not unmarshal rtp header: %w", err)
	}

	var nonce [24]byte
	copy(nonce[:], packet[:rtpHeaderSize])
	payload, ok := secretbox.Open(nil, packet[rtpHeaderSize:], &nonce, key)
	if !ok {
		return nil, ErrDecrypt
	}

	if packet[0]&rtpExtension != 0 && len(payload) >= 4 {
		words := int(binary.BigEndian.Uint16(payload[2:4]))
		skip := 4 + words*4
		if skip > len(payload) {
			return nil, fmt.Errorf("%w: extension longer than payload", ErrDecrypt)
		}
		payload = payload[skip:]
	}

	return &Packet{
		SSRC:      header.SSRC,
		Sequence:  header.SequenceNumber,
		Timestamp: header.Timestamp,
		Opus:      payload,
	}, nil
}
