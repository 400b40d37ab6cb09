// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package conn

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/relayd/torrentd/internal/torrent/storage"
)

// MessageType is the single byte id identifying a peer wire message, per the
// BitTorrent peer wire protocol (BEP 3).
type MessageType uint8

// Wire message ids. Values and payload shapes are bit-exact with BEP 3.
const (
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	Bitfield      MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
	Cancel        MessageType = 8
	Port          MessageType = 9
)

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// blockSize is the fixed length of a single block request, per BEP 3. Only
// the final block of a piece may be shorter.
const blockSize = 16 * 1024

// Message is a single decoded peer wire frame. Payload carries the block
// bytes for Piece messages sourced from storage; all other fields are
// populated according to Type.
type Message struct {
	Type MessageType

	// Have.
	Index int

	// Request / Cancel / Piece.
	Begin  int
	Length int

	// Bitfield.
	BitfieldBytes []byte

	// Piece. Length equals len(Block) once materialized, or the declared
	// block length when only a reader is held pending send.
	Block   []byte
	Payload storage.PieceReader

	// Port.
	ListenPort uint16
}

// NewBitfieldMessage returns a Message announcing the given progress bitmap.
// Per BEP 3, Bitfield MUST be the first frame sent on a connection, if sent at all.
func NewBitfieldMessage(bitfieldBytes []byte) *Message {
	return &Message{Type: Bitfield, BitfieldBytes: bitfieldBytes}
}

// NewHaveMessage returns a Message announcing that a single piece is complete.
func NewHaveMessage(index int) *Message {
	return &Message{Type: Have, Index: index}
}

// NewAnnouncePieceMessage is an alias for NewHaveMessage: on the wire, a
// completed-piece announcement to already-connected peers is a Have message.
func NewAnnouncePieceMessage(index int) *Message {
	return NewHaveMessage(index)
}

// NewRequestMessage returns a Message requesting a block within a piece.
func NewRequestMessage(index, begin, length int) *Message {
	return &Message{Type: Request, Index: index, Begin: begin, Length: length}
}

// NewCancelMessage returns a Message cancelling a previously requested block.
func NewCancelMessage(index, begin, length int) *Message {
	return &Message{Type: Cancel, Index: index, Begin: begin, Length: length}
}

// NewPieceRequestMessage returns a Message for requesting the first block of
// a piece. Request length is blockSize, or the remainder for a short piece.
func NewPieceRequestMessage(index int, length int64) *Message {
	l := int(length)
	if l > blockSize {
		l = blockSize
	}
	return NewRequestMessage(index, 0, l)
}

// NewPiecePayloadMessage returns a Message for sending a single block payload
// read from storage.
func NewPiecePayloadMessage(index, begin int, pr storage.PieceReader) *Message {
	return &Message{
		Type:    Piece,
		Index:   index,
		Begin:   begin,
		Length:  pr.Length(),
		Payload: pr,
	}
}

// NewChokeMessage, NewUnchokeMessage, NewInterestedMessage,
// NewNotInterestedMessage return the zero-payload state messages.
func NewChokeMessage() *Message         { return &Message{Type: Choke} }
func NewUnchokeMessage() *Message       { return &Message{Type: Unchoke} }
func NewInterestedMessage() *Message    { return &Message{Type: Interested} }
func NewNotInterestedMessage() *Message { return &Message{Type: NotInterested} }

// NewPortMessage returns a Message advertising a DHT listen port. The engine
// never acts on Port beyond acknowledging receipt; DHT is a non-goal.
func NewPortMessage(port uint16) *Message {
	return &Message{Type: Port, ListenPort: port}
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// sendMessage writes msg onto nc using the bit-exact BEP 3 frame:
// length prefix (u32 BE) || id (u8) || payload. A zero-length frame (no id,
// no payload) is the keep-alive.
func sendMessage(nc net.Conn, msg *Message) error {
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested:
		if err := writeUint32(nc, 1); err != nil {
			return fmt.Errorf("write length: %s", err)
		}
		_, err := nc.Write([]byte{byte(msg.Type)})
		return err

	case Have:
		if err := writeUint32(nc, 5); err != nil {
			return fmt.Errorf("write length: %s", err)
		}
		var buf [5]byte
		buf[0] = byte(Have)
		binary.BigEndian.PutUint32(buf[1:], uint32(msg.Index))
		_, err := nc.Write(buf[:])
		return err

	case Bitfield:
		n := uint32(1 + len(msg.BitfieldBytes))
		if err := writeUint32(nc, n); err != nil {
			return fmt.Errorf("write length: %s", err)
		}
		if _, err := nc.Write([]byte{byte(Bitfield)}); err != nil {
			return err
		}
		_, err := nc.Write(msg.BitfieldBytes)
		return err

	case Request, Cancel:
		if err := writeUint32(nc, 13); err != nil {
			return fmt.Errorf("write length: %s", err)
		}
		var buf [13]byte
		buf[0] = byte(msg.Type)
		binary.BigEndian.PutUint32(buf[1:5], uint32(msg.Index))
		binary.BigEndian.PutUint32(buf[5:9], uint32(msg.Begin))
		binary.BigEndian.PutUint32(buf[9:13], uint32(msg.Length))
		_, err := nc.Write(buf[:])
		return err

	case Piece:
		n := uint32(9 + msg.Length)
		if err := writeUint32(nc, n); err != nil {
			return fmt.Errorf("write length: %s", err)
		}
		var hdr [9]byte
		hdr[0] = byte(Piece)
		binary.BigEndian.PutUint32(hdr[1:5], uint32(msg.Index))
		binary.BigEndian.PutUint32(hdr[5:9], uint32(msg.Begin))
		if _, err := nc.Write(hdr[:]); err != nil {
			return fmt.Errorf("write header: %s", err)
		}
		if msg.Payload != nil {
			return sendPiecePayload(nc, msg.Payload)
		}
		_, err := nc.Write(msg.Block)
		return err

	case Port:
		if err := writeUint32(nc, 3); err != nil {
			return fmt.Errorf("write length: %s", err)
		}
		var buf [3]byte
		buf[0] = byte(Port)
		binary.BigEndian.PutUint16(buf[1:], msg.ListenPort)
		_, err := nc.Write(buf[:])
		return err

	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func sendPiecePayload(nc net.Conn, pr storage.PieceReader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := pr.Read(buf)
		if n > 0 {
			if _, werr := nc.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write block: %s", werr)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read piece payload: %s", err)
		}
	}
}

func sendMessageWithTimeout(nc net.Conn, msg *Message, timeout time.Duration) error {
	// NOTE: We do not use the clock interface here because the net package uses
	// the system clock when evaluating deadlines.
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	return sendMessage(nc, msg)
}

// readMessage reads and decodes a single BEP 3 frame. A keep-alive
// (length-prefix of 0) decodes to a nil Message and a nil error; callers
// must treat that as "no-op, read again".
func readMessage(nc net.Conn) (*Message, error) {
	var msglen [4]byte
	if _, err := io.ReadFull(nc, msglen[:]); err != nil {
		return nil, fmt.Errorf("read message length: %s", err)
	}
	dataLen := binary.BigEndian.Uint32(msglen[:])
	if uint64(dataLen) > maxMessageSize {
		return nil, fmt.Errorf("message exceeds max size: %d > %d", dataLen, maxMessageSize)
	}
	if dataLen == 0 {
		// Keep-alive.
		return nil, nil
	}
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(nc, data); err != nil {
		return nil, fmt.Errorf("read data: %s", err)
	}
	return decodeMessage(data)
}

func decodeMessage(data []byte) (*Message, error) {
	id := MessageType(data[0])
	body := data[1:]
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if len(body) != 0 {
			return nil, fmt.Errorf("%s: expected empty payload, got %d bytes", id, len(body))
		}
		return &Message{Type: id}, nil

	case Have:
		if len(body) != 4 {
			return nil, fmt.Errorf("have: expected 4 byte payload, got %d", len(body))
		}
		return &Message{Type: Have, Index: int(binary.BigEndian.Uint32(body))}, nil

	case Bitfield:
		b := make([]byte, len(body))
		copy(b, body)
		return &Message{Type: Bitfield, BitfieldBytes: b}, nil

	case Request, Cancel:
		if len(body) != 12 {
			return nil, fmt.Errorf("%s: expected 12 byte payload, got %d", id, len(body))
		}
		return &Message{
			Type:   id,
			Index:  int(binary.BigEndian.Uint32(body[0:4])),
			Begin:  int(binary.BigEndian.Uint32(body[4:8])),
			Length: int(binary.BigEndian.Uint32(body[8:12])),
		}, nil

	case Piece:
		if len(body) < 8 {
			return nil, fmt.Errorf("piece: payload too short: %d", len(body))
		}
		block := make([]byte, len(body)-8)
		copy(block, body[8:])
		return &Message{
			Type:   Piece,
			Index:  int(binary.BigEndian.Uint32(body[0:4])),
			Begin:  int(binary.BigEndian.Uint32(body[4:8])),
			Length: len(block),
			Block:  block,
		}, nil

	case Port:
		if len(body) != 2 {
			return nil, fmt.Errorf("port: expected 2 byte payload, got %d", len(body))
		}
		return &Message{Type: Port, ListenPort: binary.BigEndian.Uint16(body)}, nil

	default:
		return nil, fmt.Errorf("unknown message id: %d", id)
	}
}

func readMessageWithTimeout(nc net.Conn, timeout time.Duration) (*Message, error) {
	// NOTE: We do not use the clock interface here because the net package uses
	// the system clock when evaluating deadlines.
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %s", err)
	}
	return readMessage(nc)
}
