package update

//
// Receive worker
//
// Frame reassembly, acknowledgement processing and inbound dispatch.
//

import (
	"github.com/minilink-dev/minilink/internal/bytesx"
	"github.com/minilink-dev/minilink/internal/chunk"
	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/runtimex"
)

// receiveWorker drains the incoming datagram queue. Handlers run on
// this goroutine, in arrival order.
func (m *Manager) receiveWorker() {
	workerName := "update: receiveWorker"
	defer func() {
		m.workersManager.OnWorkerDone(workerName)
		m.workersManager.StartShutdown()
		m.logger.Debugf("%s: done", workerName)
	}()
	m.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK awaiting the next datagram
		select {
		case data := <-m.incoming:
			m.handleDatagram(data)
		case <-m.workersManager.ShouldShutdown():
			return
		}
	}
}

// handleDatagram feeds one datagram payload to the frame decoder and
// processes every complete frame it yields.
func (m *Manager) handleDatagram(data []byte) {
	frames, err := m.decoder.Feed(data)
	if err != nil {
		// framing is lost, not recoverable mid-buffer
		m.logger.Warnf("update: %s", err)
		m.config.Tracer().OnDroppedData(model.DirectionIncoming, len(data), err.Error())
	}
	for _, frame := range frames {
		m.handleFrame(frame)
	}
}

// handleFrame processes one reassembled update packet.
func (m *Manager) handleFrame(frame []byte) {
	m.touchInbound()

	packet, err := model.ParsePacket(frame, m.sequenced)
	if err != nil {
		m.logger.Warnf("update: dropping packet: %s", err)
		m.config.Tracer().OnDroppedData(model.DirectionIncoming, len(frame), err.Error())
		return
	}
	m.config.Tracer().OnIncomingPacket(packet)
	packet.Log(m.logger, model.DirectionIncoming)

	if !m.sequenced {
		// receipt implicitly acknowledges our most recent packet
		m.mu.Lock()
		lastSent := m.lastSent
		m.mu.Unlock()
		m.feedAck(lastSent)
		for _, entry := range packet.Entries {
			m.dispatchEntry(entry)
		}
		for _, block := range packet.Blocks {
			for _, entry := range block.Entries {
				m.dispatchEntry(entry)
			}
		}
		return
	}

	if m.session.Seen(packet.Sequence) {
		m.logger.Debugf("update: duplicate packet %d", packet.Sequence)
		m.config.Tracer().OnDroppedData(model.DirectionIncoming, len(frame), "duplicate")
		return
	}

	m.feedAck(packet.Ack)
	for i := 0; i < model.AckFieldSize; i++ {
		if packet.AckField.Has(i) {
			m.feedAck(packet.Ack - model.Sequence(i) - 1)
		}
	}

	for _, entry := range packet.Entries {
		m.dispatchEntry(entry)
	}
	for _, block := range packet.Blocks {
		// a block we saw on an earlier packet is a re-offer that
		// crossed paths with our acknowledgement
		if m.session.Seen(block.Origin) {
			m.logger.Debugf("update: duplicate reliable block %d", block.Origin)
			continue
		}
		m.session.Register(block.Origin)
		for _, entry := range block.Entries {
			m.dispatchEntry(entry)
		}
	}

	// register last so that this packet's own fresh block, tagged
	// with the same sequence, is not mistaken for a duplicate
	m.session.Register(packet.Sequence)
}

// feedAck tells the trackers that the remote confirmed a sequence.
func (m *Manager) feedAck(seq model.Sequence) {
	m.rtt.OnAcked(seq)
	if m.trackReliability {
		m.reliability.OnAcked(seq)
	}
}

// dispatchEntry routes one inbound entry.
func (m *Manager) dispatchEntry(entry *model.Entry) {
	switch entry.Type {
	case model.TypeKeepalive:
		return
	case model.TypeChunkSlice:
		m.handleChunkSlice(entry.Payload)
		return
	case model.TypeChunkSliceAck:
		m.handleChunkSliceAck(entry.Payload)
		return
	case model.TypeAddon:
		handler := m.handlers.lookupAddon(entry.AddonID, entry.PacketID)
		if handler == nil {
			m.logger.Debugf("update: no handler for addon %d packet %d", entry.AddonID, entry.PacketID)
			m.config.Tracer().OnDroppedData(model.DirectionIncoming, len(entry.Payload), "no addon handler")
			return
		}
		m.runHandler(handler, entry)
		return
	default:
		handler := m.handlers.lookupPlain(entry.Type)
		if handler == nil {
			m.logger.Debugf("update: no handler for %s", entry.Type)
			m.config.Tracer().OnDroppedData(model.DirectionIncoming, len(entry.Payload), "no handler")
			return
		}
		m.runHandler(handler, entry)
		return
	}
}

// runHandler invokes one handler with a read-only view of the payload.
func (m *Manager) runHandler(handler model.Handler, entry *model.Entry) {
	if err := handler(bytesx.NewBufferView(entry.Payload)); err != nil {
		m.logger.Warnf("update: handler for %s: %s", entry.Type, err)
	}
}

// handleChunkSlice feeds one slice to the chunk receiver, stages the
// cumulative slice ack, and delivers the chunk when it completed.
func (m *Manager) handleChunkSlice(payload []byte) {
	slice, err := chunk.ParseSlice(payload)
	if err != nil {
		m.logger.Warnf("update: bad chunk slice: %s", err)
		return
	}
	ack, assembled := m.chunkReceiver.OnSlice(slice)
	if ack != nil {
		raw, err := ack.Encode()
		runtimex.PanicOnError(err, "update: encode slice ack")
		m.addInternal(model.TypeChunkSliceAck, raw)
	}
	if assembled == nil {
		return
	}
	fn := m.handlers.lookupChunk()
	if fn == nil {
		m.logger.Warnf("update: dropping %d bytes chunk: no chunk handler", len(assembled))
		m.config.Tracer().OnDroppedData(model.DirectionIncoming, len(assembled), "no chunk handler")
		return
	}
	fn(assembled)
}

// handleChunkSliceAck folds one slice ack into the chunk sender.
func (m *Manager) handleChunkSliceAck(payload []byte) {
	ack, err := chunk.ParseSliceAck(payload)
	if err != nil {
		m.logger.Warnf("update: bad chunk slice ack: %s", err)
		return
	}
	m.chunkSender.OnAck(ack)
}
