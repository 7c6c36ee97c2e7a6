package node

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/findag/findag-core/internal/committee"
	"github.com/findag/findag-core/internal/dag"
	"github.com/findag/findag-core/internal/round"
	"github.com/findag/findag-core/internal/types"
	"github.com/findag/findag-core/internal/wire"
	"github.com/findag/findag-core/internal/xcrypto"
	"github.com/sirupsen/logrus"
)

// networkMagic derives a deterministic 4-byte envelope magic from a
// network_id string (spec §6), generalizing the teacher's fixed
// mainnet/testnet/devnet magic constants (node/p2p_runtime.go networkMagic)
// to FinDAG's operator-chosen network_id.
func networkMagic(crypto xcrypto.Provider, networkID string) uint32 {
	h := crypto.SHA256([]byte("findag-magic-v1:" + networkID))
	return binary.BigEndian.Uint32(h[:4])
}

// peerTransport implements round.Transport over internal/wire framing, one
// TCP connection per peer. Grounded on the teacher's node/p2p_runtime.go
// PeerManager/PeerSession split: a mutex-guarded connection set, a
// ctx-cancellation read loop per peer, and a drop policy for unrecognized
// commands (the message is discarded; the peer is neither banned nor
// disconnected for it) — generalized from Bitcoin's version/ping/tx/block
// command set to FinDAG's three message types.
type peerTransport struct {
	magic  uint32
	crypto xcrypto.Provider
	log    *logrus.Logger

	graph  *dag.DAG
	selfID types.Address

	mu      sync.RWMutex
	conns   map[string]net.Conn
	engine  *round.Engine // bound once, before Run is called
	pubKeys round.PublicKeyLookup
}

func newPeerTransport(crypto xcrypto.Provider, log *logrus.Logger, networkID string, graph *dag.DAG, selfID types.Address, pubKeys round.PublicKeyLookup) *peerTransport {
	return &peerTransport{
		magic:   networkMagic(crypto, networkID),
		crypto:  crypto,
		log:     log,
		graph:   graph,
		selfID:  selfID,
		conns:   make(map[string]net.Conn),
		pubKeys: pubKeys,
	}
}

// bindEngine completes the construction cycle: the round.Engine needs a
// Transport at construction time, but the transport needs the Engine to
// dispatch inbound messages to. Called once, before Run starts any
// goroutines, so no synchronization is needed on the field itself.
func (t *peerTransport) bindEngine(e *round.Engine) {
	t.engine = e
}

func (t *peerTransport) addConn(addr string, conn net.Conn) {
	t.mu.Lock()
	t.conns[addr] = conn
	t.mu.Unlock()
}

func (t *peerTransport) dropConn(addr string) {
	t.mu.Lock()
	delete(t.conns, addr)
	t.mu.Unlock()
}

func (t *peerTransport) snapshot() map[string]net.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]net.Conn, len(t.conns))
	for k, v := range t.conns {
		out[k] = v
	}
	return out
}

func (t *peerTransport) broadcast(cmd wire.Command, payload []byte) {
	for addr, conn := range t.snapshot() {
		if err := wire.WriteMessage(conn, t.crypto, t.magic, cmd, payload); err != nil {
			t.log.WithError(err).WithField("peer", addr).Warn("node: gossip write failed, dropping peer")
			_ = conn.Close()
			t.dropConn(addr)
		}
	}
}

func (t *peerTransport) GossipProposal(r types.Round, leaderSig [64]byte) {
	t.broadcast(wire.CmdRoundProposal, wire.EncodeRoundProposal(wire.RoundProposalPayload{Round: r, LeaderSig: leaderSig}))
}

func (t *peerTransport) GossipSignature(roundNumber uint64, signerID types.Address, sig [64]byte) {
	t.broadcast(wire.CmdRoundSignature, wire.EncodeRoundSignature(wire.RoundSignaturePayload{RoundNumber: roundNumber, SignerID: signerID, Sig: sig}))
}

// GossipFinalizedRound reuses the round_proposal command with a zero
// leader_sig: the receiving side distinguishes a finalized-round
// announcement from a fresh proposal by the presence of a populated
// ThresholdSig (a round up for a vote never carries one). The wire protocol
// only defines three message types (spec §4.8); this mapping avoids adding
// a fourth for what is, on the wire, still "a Round record".
func (t *peerTransport) GossipFinalizedRound(r types.Round) {
	t.broadcast(wire.CmdRoundProposal, wire.EncodeRoundProposal(wire.RoundProposalPayload{Round: r}))
}

func (t *peerTransport) GossipBlock(blk types.Block) {
	t.broadcast(wire.CmdGossipBlock, wire.EncodeGossipBlock(blk))
}

// dial connects to a peer address and starts its inbound read loop.
func (t *peerTransport) dial(addr string, done <-chan struct{}) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.log.WithError(err).WithField("peer", addr).Warn("node: dial failed")
		return
	}
	t.addConn(addr, conn)
	go t.readLoop(addr, conn, done)
}

// listen accepts inbound peer connections on bindAddr until done fires.
func (t *peerTransport) listen(bindAddr string, done <-chan struct{}) error {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return err
	}
	go func() {
		<-done
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			addr := conn.RemoteAddr().String()
			t.addConn(addr, conn)
			go t.readLoop(addr, conn, done)
		}
	}()
	return nil
}

// readLoop is the per-peer ctx-cancellation-driven for-select loop,
// dispatching each decoded message to the round engine or DAG (spec §4.8's
// "unknown commands are dropped" policy: IsKnownCommand gates dispatch, a
// frame error that the wire layer marks Disconnect closes the connection).
func (t *peerTransport) readLoop(addr string, conn net.Conn, done <-chan struct{}) {
	defer func() {
		_ = conn.Close()
		t.dropConn(addr)
	}()
	for {
		select {
		case <-done:
			return
		default:
		}
		msg, ferr := wire.ReadMessage(conn, t.crypto, t.magic)
		if ferr != nil {
			if ferr.Disconnect {
				return
			}
			continue
		}
		t.dispatch(msg)
	}
}

func (t *peerTransport) dispatch(msg *wire.Message) {
	switch msg.Command {
	case wire.CmdGossipBlock:
		blk, err := wire.DecodeGossipBlock(msg.Payload)
		if err != nil {
			return
		}
		_ = t.graph.Insert(blk, blk.ProposerID)
	case wire.CmdRoundProposal:
		p, err := wire.DecodeRoundProposal(msg.Payload)
		if err != nil {
			return
		}
		if len(p.Round.ThresholdSig.Sigs) > 0 {
			_ = t.engine.ReceiveFinalizedRound(p.Round)
			return
		}
		leaderID, ok := committee.Leader(leaderCandidate(p.Round))
		if !ok {
			return
		}
		leaderPub, ok := t.pubKeys(leaderID)
		if !ok {
			return
		}
		_ = t.engine.ReceiveProposal(p.Round, p.LeaderSig, leaderPub)
	case wire.CmdRoundSignature:
		s, err := wire.DecodeRoundSignature(msg.Payload)
		if err != nil {
			return
		}
		_ = t.engine.ReceiveSignature(s.RoundNumber, s.SignerID, s.Sig)
	default:
		// unrecognized command: dropped per spec §4.8.
	}
}

// leaderCandidate wraps a proposal's committee as a one-validator slice so
// committee.Leader (which only looks at the first entry) can recover the
// leader address the proposal claims, without needing stake weights here.
func leaderCandidate(r types.Round) []committee.Validator {
	if len(r.CommitteeMembers) == 0 {
		return nil
	}
	return []committee.Validator{{ID: r.CommitteeMembers[0]}}
}

var _ round.Transport = (*peerTransport)(nil)
