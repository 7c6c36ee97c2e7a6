// Package wire implements spec §4.8's peer wire protocol: a 24-byte
// envelope (magic, command, payload length, checksum) framing the three
// FinDAG message types — GossipBlock, RoundProposal, RoundSignature.
//
// Grounded on the teacher's node/p2p/envelope.go: identical header layout
// (4-byte magic, 12-byte NUL-padded command, 4-byte length, 4-byte
// checksum) and the same disconnect/drop policy split (truncation and
// magic mismatch are fatal to the connection; checksum mismatch and
// unrecognized commands just drop the one message), generalized from
// Bitcoin's command set to FinDAG's three message types.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/findag/findag-core/internal/types"
	"github.com/findag/findag-core/internal/xcrypto"
)

const (
	EnvelopeBytes = 24
	CommandBytes  = 12

	// MaxPayloadBytes bounds a single message's payload so a malicious
	// declared length can never justify an unbounded read.
	MaxPayloadBytes = 8 << 20
)

// Command identifies the payload's message type.
type Command string

const (
	CmdGossipBlock    Command = "gossip_block"
	CmdRoundProposal  Command = "round_proposal"
	CmdRoundSignature Command = "round_signature"
)

// Message is one framed wire message.
type Message struct {
	Magic   uint32
	Command Command
	Payload []byte
}

// FrameError reports how the caller should treat a malformed frame: drop
// the single message, or disconnect the peer entirely.
type FrameError struct {
	Err        error
	Disconnect bool
}

func (e *FrameError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func encodeCommand(cmd Command) ([CommandBytes]byte, error) {
	var out [CommandBytes]byte
	if len(cmd) == 0 || len(cmd) > CommandBytes {
		return out, fmt.Errorf("wire: command length out of range")
	}
	copy(out[:], cmd)
	return out, nil
}

func decodeCommand(b [CommandBytes]byte) (Command, error) {
	n := CommandBytes
	for i := 0; i < CommandBytes; i++ {
		if b[i] == 0 {
			n = i
			break
		}
	}
	for i := n; i < CommandBytes; i++ {
		if b[i] != 0 {
			return "", fmt.Errorf("wire: command not NUL-padded")
		}
	}
	return Command(b[:n]), nil
}

func checksum4(crypto xcrypto.Provider, payload []byte) [4]byte {
	d := crypto.SHA256(payload)
	var out [4]byte
	copy(out[:], d[:4])
	return out
}

// WriteMessage frames and writes a single message to w.
func WriteMessage(w io.Writer, crypto xcrypto.Provider, magic uint32, cmd Command, payload []byte) error {
	cmdBytes, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	if len(payload) > MaxPayloadBytes {
		return fmt.Errorf("wire: payload too large")
	}
	c4 := checksum4(crypto, payload)

	var hdr [EnvelopeBytes]byte
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	copy(hdr[4:16], cmdBytes[:])
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(payload)))
	copy(hdr[20:24], c4[:])

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err = w.Write(payload)
	return err
}

// ReadMessage reads exactly one framed message from r. A command the
// caller does not recognize is still returned (as an unparsed Message);
// callers implementing spec §4.8's "unknown messages are dropped" simply
// ignore messages whose Command isn't one of the three known types.
func ReadMessage(r io.Reader, crypto xcrypto.Provider, expectedMagic uint32) (*Message, *FrameError) {
	var hdr [EnvelopeBytes]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, &FrameError{Err: err, Disconnect: true}
	}

	magic := binary.BigEndian.Uint32(hdr[0:4])
	if magic != expectedMagic {
		return nil, &FrameError{Err: fmt.Errorf("wire: magic mismatch"), Disconnect: true}
	}

	var cmdRaw [CommandBytes]byte
	copy(cmdRaw[:], hdr[4:16])
	cmd, err := decodeCommand(cmdRaw)
	if err != nil {
		return nil, &FrameError{Err: err, Disconnect: false}
	}

	payloadLen := binary.LittleEndian.Uint32(hdr[16:20])
	if payloadLen > MaxPayloadBytes {
		return nil, &FrameError{Err: fmt.Errorf("wire: payload length exceeds max"), Disconnect: true}
	}
	var expectedC4 [4]byte
	copy(expectedC4[:], hdr[20:24])

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, &FrameError{Err: err, Disconnect: true}
		}
	}
	if got := checksum4(crypto, payload); !bytes.Equal(expectedC4[:], got[:]) {
		return nil, &FrameError{Err: fmt.Errorf("wire: checksum mismatch"), Disconnect: false}
	}

	return &Message{Magic: magic, Command: cmd, Payload: payload}, nil
}

// IsKnownCommand reports whether cmd is one of the three FinDAG message
// types (spec §4.8: "unknown messages are dropped").
func IsKnownCommand(cmd Command) bool {
	switch cmd {
	case CmdGossipBlock, CmdRoundProposal, CmdRoundSignature:
		return true
	default:
		return false
	}
}

// EncodeGossipBlock builds a GossipBlock payload: the canonical block
// encoding.
func EncodeGossipBlock(blk types.Block) []byte {
	return types.BlockBytes(blk)
}

func DecodeGossipBlock(payload []byte) (types.Block, error) {
	return types.DecodeBlock(payload)
}

// RoundProposalPayload is RoundProposal(round, leader_sig)'s wire body.
type RoundProposalPayload struct {
	Round     types.Round
	LeaderSig [64]byte
}

func EncodeRoundProposal(p RoundProposalPayload) []byte {
	out := types.RoundBytes(p.Round)
	out = append(out, p.LeaderSig[:]...)
	return out
}

func DecodeRoundProposal(payload []byte) (RoundProposalPayload, error) {
	if len(payload) < 64 {
		return RoundProposalPayload{}, fmt.Errorf("wire: round proposal payload too short")
	}
	roundBytes := payload[:len(payload)-64]
	r, err := types.DecodeRound(roundBytes)
	if err != nil {
		return RoundProposalPayload{}, err
	}
	var sig [64]byte
	copy(sig[:], payload[len(payload)-64:])
	return RoundProposalPayload{Round: r, LeaderSig: sig}, nil
}

// RoundSignaturePayload is RoundSignature(round_number, signer_id, sig)'s
// wire body.
type RoundSignaturePayload struct {
	RoundNumber uint64
	SignerID    types.Address
	Sig         [64]byte
}

func EncodeRoundSignature(p RoundSignaturePayload) []byte {
	out := make([]byte, 0, 8+32+64)
	var rn [8]byte
	binary.LittleEndian.PutUint64(rn[:], p.RoundNumber)
	out = append(out, rn[:]...)
	out = append(out, p.SignerID[:]...)
	out = append(out, p.Sig[:]...)
	return out
}

func DecodeRoundSignature(payload []byte) (RoundSignaturePayload, error) {
	if len(payload) != 8+32+64 {
		return RoundSignaturePayload{}, fmt.Errorf("wire: round signature payload has wrong length")
	}
	var p RoundSignaturePayload
	p.RoundNumber = binary.LittleEndian.Uint64(payload[:8])
	copy(p.SignerID[:], payload[8:40])
	copy(p.Sig[:], payload[40:104])
	return p, nil
}
