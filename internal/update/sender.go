package update

//
// Send worker
//
// One update packet per tick, paced by the congestion tier.
//

import (
	"errors"
	"net"
	"time"

	"github.com/minilink-dev/minilink/internal/chunk"
	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/networkio"
	"github.com/minilink-dev/minilink/internal/runtimex"
)

// sendWorker paces [Manager.sendUpdate] on a schedule accumulator, so
// the cadence does not drift with the time each tick takes.
func (m *Manager) sendWorker() {
	workerName := "update: sendWorker"
	defer func() {
		m.workersManager.OnWorkerDone(workerName)
		m.workersManager.StartShutdown()
		m.logger.Debugf("%s: done", workerName)
	}()
	m.logger.Debugf("%s: started", workerName)

	next := m.timeNow()
	for {
		if silence := m.sinceInbound(); silence > connectionTimeout {
			m.logger.Warnf("update: no data received for %s", silence)
			m.notifyTerminal(ErrConnectionTimeout)
			return
		}

		if err := m.sendUpdate(); err != nil {
			// error already logged
			return
		}

		next = next.Add(m.congestion.Interval())
		now := m.timeNow()
		if now.Sub(next) > scheduleLagReset {
			// too far behind: restart the schedule rather than
			// burst to catch up
			next = now
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-timer.C:
		case <-m.workersManager.ShouldShutdown():
			timer.Stop()
			return
		}
	}
}

// sendUpdate assembles the next packet under the lock, then
// serializes, fragments and transmits it outside of it. A non-nil
// return means the transport is gone and the worker must stop.
func (m *Manager) sendUpdate() error {
	m.mu.Lock()
	if m.trackReliability {
		m.mergeLostLocked(m.reliability.CollectLost(m.rtt.MaxExpected()))
	}
	for _, payload := range m.chunkSender.NextSlices(chunk.SliceBatch) {
		m.outgoing.put(&model.Entry{Type: model.TypeChunkSlice, Payload: payload}, false, false)
	}
	packet := m.buildPacketLocked()
	m.mu.Unlock()

	m.rtt.OnSent(packet.Sequence)
	if m.trackReliability {
		m.reliability.OnSent(packet.Sequence, packet.Blocks)
	}

	m.config.Tracer().OnOutgoingPacket(packet)
	packet.Log(m.logger, model.DirectionOutgoing)

	raw, err := packet.Bytes()
	runtimex.PanicOnError(err, "update: marshal packet")

	datagrams, err := networkio.Fragment(raw)
	if err != nil {
		// producers staged more than a frame can carry
		m.logger.Warnf("update: dropping oversized packet: %d bytes", len(raw))
		m.config.Tracer().OnDroppedData(model.DirectionOutgoing, len(raw), "frame too large")
		return nil
	}
	for _, dgram := range datagrams {
		if err := m.transport.Send(dgram); err != nil {
			if errors.Is(err, net.ErrClosed) {
				m.logger.Debugf("update: transport closed")
				return err
			}
			// transient: the rest of this frame is lost anyway
			m.logger.Warnf("update: send: %s", err)
			m.config.Tracer().OnDroppedData(model.DirectionOutgoing, len(raw), err.Error())
			return nil
		}
	}
	return nil
}

// buildPacketLocked turns the staged producer data into the packet to
// send and swaps in a fresh accumulator, so producers never wait on
// network I/O. Every packet consumes a sequence, even on transports
// that do not put it on the wire, because round-trip tracking is keyed
// by sequence.
func (m *Manager) buildPacketLocked() *model.Packet {
	seq := m.session.NextSequence()
	packet := &model.Packet{
		Sequenced: m.sequenced,
		Sequence:  seq,
		Ack:       0,
		AckField:  0,
		Entries:   []*model.Entry{},
		Blocks:    []*model.ReliableBlock{},
	}
	if m.sequenced {
		packet.Ack, packet.AckField = m.session.AckField()
	}
	for _, pending := range m.outgoing.entries {
		packet.Entries = append(packet.Entries, pending.entry)
	}
	if len(m.outgoing.reliable) > 0 {
		block := &model.ReliableBlock{Origin: seq, Entries: []*model.Entry{}}
		for _, pending := range m.outgoing.reliable {
			block.Entries = append(block.Entries, pending.entry)
		}
		packet.Blocks = append(packet.Blocks, block)
	}
	packet.Blocks = append(packet.Blocks, m.outgoing.reoffers...)
	if !m.sequenced && len(packet.Entries) <= 0 && len(packet.Blocks) <= 0 {
		// without the header an empty packet would serialize to zero
		// bytes, which the framing treats as corruption
		packet.Entries = append(packet.Entries, &model.Entry{Type: model.TypeKeepalive, Payload: []byte{}})
	}
	m.outgoing = newOutgoingState()
	m.lastSent = seq
	return packet
}

// mergeLostLocked folds the reliable blocks of lost packets into the
// next packet. Entries superseded by a newer staged set entry of the
// same slot are dropped, and so are blocks left empty by that.
func (m *Manager) mergeLostLocked(lost []*model.ReliableBlock) {
	for _, block := range lost {
		kept := make([]*model.Entry, 0, len(block.Entries))
		for _, entry := range block.Entries {
			if m.outgoing.supersedes(entry) {
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) <= 0 {
			continue
		}
		block.Entries = kept
		m.outgoing.reoffers = append(m.outgoing.reoffers, block)
		m.logger.Debugf("update: re-offering %d reliable entries from %d", len(kept), block.Origin)
	}
}
