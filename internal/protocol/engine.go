package protocol

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"codecollab/internal/crdt"
	"codecollab/internal/metrics"
	"codecollab/internal/models"
	"codecollab/internal/session"
	"codecollab/internal/utils"
)

// DefaultMaxContentBytes caps the materialized document size. Updates that
// would push past it are rejected with CONTENT_TOO_LARGE.
const DefaultMaxContentBytes = 50 * 1024 * 1024

// DefaultReconcileTimeout bounds the wait for a peer's state summary. A
// peer that never announces is treated as holding an empty state vector so
// its connection is not parked indefinitely.
const DefaultReconcileTimeout = 5 * time.Second

// Engine drives the three-phase document sync protocol over the binary
// channel: announce (state summary), reconcile (diff exchange), then
// steady-state incremental updates rebroadcast verbatim.
type Engine struct {
	log              *utils.Logger
	maxContentBytes  int
	reconcileTimeout time.Duration
}

func NewEngine(log *utils.Logger, maxContentBytes int, reconcileTimeout time.Duration) *Engine {
	if maxContentBytes <= 0 {
		maxContentBytes = DefaultMaxContentBytes
	}
	if reconcileTimeout <= 0 {
		reconcileTimeout = DefaultReconcileTimeout
	}
	return &Engine{log: log, maxContentBytes: maxContentBytes, reconcileTimeout: reconcileTimeout}
}

// ConnState tracks per-connection handshake progress.
type ConnState struct {
	mu         sync.Mutex
	reconciled bool
	fallback   *time.Timer
}

func (cs *ConnState) markReconciled() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.reconciled {
		return false
	}
	cs.reconciled = true
	if cs.fallback != nil {
		cs.fallback.Stop()
		cs.fallback = nil
	}
	return true
}

// StartHandshake announces the server's state summary to a freshly
// attached connection and arms the reconcile fallback: if the peer never
// answers with its own summary, it is assumed empty and sent a full diff.
func (e *Engine) StartHandshake(sess *session.RoomSession, client *session.Client) *ConnState {
	cs := &ConnState{}

	sv, err := crdt.EncodeStateVector(sess.Doc().StateVector())
	if err != nil {
		e.log.Error("encode state summary", "roomId", sess.ID, "error", err)
		return cs
	}
	client.SendBinary(EncodeFrame(Frame{Channel: ChannelSync, Phase: PhaseStateSummary, Payload: sv}))

	cs.mu.Lock()
	cs.fallback = time.AfterFunc(e.reconcileTimeout, func() {
		if cs.markReconciled() {
			e.log.Warn("reconcile timeout, assuming empty peer state", "roomId", sess.ID, "connId", client.ID)
			e.sendDiff(sess, client, crdt.StateVector{})
		}
	})
	cs.mu.Unlock()
	return cs
}

// FinishConn releases any pending handshake timer.
func (e *Engine) FinishConn(cs *ConnState) {
	if cs == nil {
		return
	}
	cs.mu.Lock()
	if cs.fallback != nil {
		cs.fallback.Stop()
		cs.fallback = nil
	}
	cs.mu.Unlock()
}

// HandleMessage processes one inbound binary frame from a document-channel
// connection. Malformed or unknown frames are logged and dropped; they
// never close the connection or reach other peers.
func (e *Engine) HandleMessage(sess *session.RoomSession, client *session.Client, cs *ConnState, raw []byte) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		if errors.Is(err, ErrUnknownChannel) || errors.Is(err, ErrUnknownPhase) {
			e.log.Warn("dropping frame with unknown tag", "roomId", sess.ID, "connId", client.ID, "error", err)
		} else {
			e.log.Warn("dropping malformed frame", "roomId", sess.ID, "connId", client.ID, "error", err)
		}
		return
	}

	switch frame.Channel {
	case ChannelPresenceAux:
		// Ephemeral awareness payloads are relayed verbatim, never merged.
		sess.BroadcastBinary(client.ID, raw)

	case ChannelSync:
		switch frame.Phase {
		case PhaseStateSummary:
			cs.markReconciled()
			sv, err := crdt.DecodeStateVector(frame.Payload)
			if err != nil {
				e.log.Warn("undecodable state summary", "roomId", sess.ID, "connId", client.ID, "error", err)
				return
			}
			e.sendDiff(sess, client, sv)

		case PhaseDiff:
			if sess.Doc().Len()+len(frame.Payload) > e.maxContentBytes {
				client.Send(models.ErrEvent(
					fmt.Sprintf("content too large, limit is %d MiB", e.maxContentBytes/(1024*1024)),
					models.CodeContentTooLarge,
				))
				return
			}
			update, err := crdt.DecodeUpdate(frame.Payload)
			if err != nil {
				e.log.Warn("undecodable diff", "roomId", sess.ID, "connId", client.ID, "error", err)
				return
			}
			sess.Doc().ApplyUpdate(update)
			metrics.UpdatesMerged.Inc()

		case PhaseIncrementalUpdate:
			if sess.Doc().Len()+len(frame.Payload) > e.maxContentBytes {
				client.Send(models.ErrEvent(
					fmt.Sprintf("content too large, limit is %d MiB", e.maxContentBytes/(1024*1024)),
					models.CodeContentTooLarge,
				))
				return
			}
			update, err := crdt.DecodeUpdate(frame.Payload)
			if err != nil {
				e.log.Warn("undecodable update", "roomId", sess.ID, "connId", client.ID, "error", err)
				return
			}
			sess.Doc().ApplyUpdate(update)
			metrics.UpdatesMerged.Inc()
			// Rebroadcast the original bytes, not a re-derived update.
			sess.BroadcastBinary(client.ID, raw)
		}
	}
}

func (e *Engine) sendDiff(sess *session.RoomSession, client *session.Client, sv crdt.StateVector) {
	diff := sess.Doc().UpdatesSince(sv)
	payload, err := crdt.EncodeUpdate(diff)
	if err != nil {
		e.log.Error("encode diff", "roomId", sess.ID, "error", err)
		return
	}
	client.SendBinary(EncodeFrame(Frame{Channel: ChannelSync, Phase: PhaseDiff, Payload: payload}))
}
