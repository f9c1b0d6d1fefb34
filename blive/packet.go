package blive

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// Packet protocol versions.
const (
	ProtoPlain   uint16 = 0 // Raw JSON command
	ProtoSpecial uint16 = 1 // Special (heartbeat, auth)
	ProtoZlib    uint16 = 2 // Zlib-compressed container
	ProtoBrotli  uint16 = 3 // Brotli-compressed container
)

// Packet operation codes.
const (
	OpHeartbeat      uint32 = 2
	OpHeartbeatReply uint32 = 3
	OpSendMsgReply   uint32 = 5
	OpAuth           uint32 = 7
	OpAuthReply      uint32 = 8
)

const headerSize = 16

// Packet is a single frame of the Bilibili live protocol.
type Packet struct {
	Protocol uint16
	OpType   uint32
	Sequence uint32
	Body     []byte
}

// OpName returns the canonical name for an operation code. These names are
// what recorded archives carry in their "operation" field.
func OpName(op uint32) string {
	switch op {
	case OpHeartbeat:
		return "Heartbeat"
	case OpHeartbeatReply:
		return "HeartbeatReply"
	case OpSendMsgReply:
		return "SendMsgReply"
	case OpAuth:
		return "Auth"
	case OpAuthReply:
		return "AuthReply"
	default:
		return fmt.Sprintf("Unknown(%d)", op)
	}
}

// Popularity decodes the big-endian watcher count carried by heartbeat
// replies. Returns 0 for any other packet.
func (p *Packet) Popularity() uint32 {
	if p.OpType != OpHeartbeatReply || len(p.Body) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(p.Body[:4])
}

// encode serializes the packet into the binary wire format.
func (p *Packet) encode() []byte {
	totalSize := uint32(headerSize) + uint32(len(p.Body))
	buf := make([]byte, totalSize)

	binary.BigEndian.PutUint32(buf[0:4], totalSize)
	binary.BigEndian.PutUint16(buf[4:6], headerSize)
	binary.BigEndian.PutUint16(buf[6:8], p.Protocol)
	binary.BigEndian.PutUint32(buf[8:12], p.OpType)
	binary.BigEndian.PutUint32(buf[12:16], p.Sequence)
	copy(buf[headerSize:], p.Body)

	return buf
}

// buildAuthPacket creates the authentication packet sent after WebSocket connect.
func buildAuthPacket(roomID uint64, token string) []byte {
	protover := 3
	if token == "" {
		protover = 2 // fallback to zlib when no auth token
	}
	body := map[string]interface{}{
		"uid":      0,
		"roomid":   roomID,
		"key":      token,
		"protover": protover,
	}
	data, err := json.Marshal(body)
	if err != nil {
		// Should never happen with primitive values; panic to surface programming errors.
		panic(fmt.Sprintf("buildAuthPacket: marshal auth body: %v", err))
	}
	return (&Packet{
		Protocol: ProtoSpecial,
		OpType:   OpAuth,
		Sequence: 1,
		Body:     data,
	}).encode()
}

// buildHeartbeatPacket creates a heartbeat packet.
func buildHeartbeatPacket() []byte {
	return (&Packet{
		Protocol: ProtoSpecial,
		OpType:   OpHeartbeat,
		Sequence: 1,
		Body:     []byte("[Object object]"),
	}).encode()
}

// decodePackets parses raw bytes into one or more Packets, handling
// compression (Brotli/Zlib) and nested packet structures.
func decodePackets(data []byte) ([]*Packet, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("data too short: %d bytes", len(data))
	}

	var packets []*Packet
	for len(data) >= headerSize {
		totalSize := binary.BigEndian.Uint32(data[0:4])
		if int(totalSize) > len(data) || totalSize < headerSize {
			return nil, fmt.Errorf("invalid packet size: %d (remaining %d)", totalSize, len(data))
		}

		proto := binary.BigEndian.Uint16(data[6:8])
		opType := binary.BigEndian.Uint32(data[8:12])
		seq := binary.BigEndian.Uint32(data[12:16])
		body := data[headerSize:totalSize]

		switch proto {
		case ProtoBrotli:
			decompressed, err := decompressBrotli(body)
			if err != nil {
				return nil, fmt.Errorf("brotli decompress: %w", err)
			}
			nested, err := decodePackets(decompressed)
			if err != nil {
				return nil, fmt.Errorf("decode nested brotli packets: %w", err)
			}
			packets = append(packets, nested...)

		case ProtoZlib:
			decompressed, err := decompressZlib(body)
			if err != nil {
				return nil, fmt.Errorf("zlib decompress: %w", err)
			}
			nested, err := decodePackets(decompressed)
			if err != nil {
				return nil, fmt.Errorf("decode nested zlib packets: %w", err)
			}
			packets = append(packets, nested...)

		default:
			packets = append(packets, &Packet{
				Protocol: proto,
				OpType:   opType,
				Sequence: seq,
				Body:     body,
			})
		}

		data = data[totalSize:]
	}

	return packets, nil
}

func decompressBrotli(data []byte) ([]byte, error) {
	reader := brotli.NewReader(bytes.NewReader(data))
	return io.ReadAll(reader)
}

func decompressZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
