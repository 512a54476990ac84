package update

//
// Producer API
//
// Staging data for the next outgoing packet and registering the
// handlers dispatching inbound payloads.
//

import (
	"fmt"
	"math"
	"sync"

	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/runtimex"
)

// pendingEntry is one staged entry. A set entry occupies a per-type
// slot refreshed in place; an add entry is one element of a
// collection and is only ever appended.
type pendingEntry struct {
	entry *model.Entry
	set   bool
}

// outgoingState accumulates producer data between ticks. Protected by
// the manager mutex.
type outgoingState struct {
	// entries are the staged plain entries, in producer order.
	entries []*pendingEntry

	// reliable are the staged reliable entries. They ride the next
	// packet inside a block tagged with its sequence.
	reliable []*pendingEntry

	// reoffers are reliable blocks collected from lost packets,
	// riding the next packet with their origins unchanged.
	reoffers []*model.ReliableBlock
}

func newOutgoingState() *outgoingState {
	return &outgoingState{
		entries:  []*pendingEntry{},
		reliable: []*pendingEntry{},
		reoffers: []*model.ReliableBlock{},
	}
}

// sameEntryKey tells whether two entries address the same slot.
func sameEntryKey(a, b *model.Entry) bool {
	if a.Type != b.Type {
		return false
	}
	if a.Type != model.TypeAddon {
		return true
	}
	return a.AddonID == b.AddonID && a.PacketID == b.PacketID
}

// put stages one entry, replacing the existing set entry for the same
// slot when set is true.
func (o *outgoingState) put(entry *model.Entry, reliable, set bool) {
	list := &o.entries
	if reliable {
		list = &o.reliable
	}
	if set {
		for i, pending := range *list {
			if pending.set && sameEntryKey(pending.entry, entry) {
				(*list)[i] = &pendingEntry{entry: entry, set: true}
				return
			}
		}
	}
	*list = append(*list, &pendingEntry{entry: entry, set: set})
}

// supersedes tells whether a staged reliable set entry makes the given
// re-offered entry stale.
func (o *outgoingState) supersedes(entry *model.Entry) bool {
	for _, pending := range o.reliable {
		if pending.set && sameEntryKey(pending.entry, entry) {
			return true
		}
	}
	return false
}

// canStageReliable tells whether one more reliable entry fits the
// block riding the next packet. A set entry refreshing an occupied
// slot always fits.
func (o *outgoingState) canStageReliable(entry *model.Entry, set bool) bool {
	if len(o.reliable) < maxBlockEntries {
		return true
	}
	return set && o.supersedes(entry)
}

// SetData stages payload in the per-type slot of the next packet,
// replacing any staged value for the same type.
func (m *Manager) SetData(t model.PacketType, payload []byte) error {
	return m.stage(&model.Entry{Type: t, Payload: payload}, false, true)
}

// AddData appends payload to the next packet. Unlike [Manager.SetData]
// every call adds one more entry.
func (m *Manager) AddData(t model.PacketType, payload []byte) error {
	return m.stage(&model.Entry{Type: t, Payload: payload}, false, false)
}

// SetReliableData is [Manager.SetData] with guaranteed eventual
// delivery: the payload is re-offered until the remote acknowledges a
// packet carrying it. A newer SetReliableData for the same type
// supersedes re-offers of the older value.
func (m *Manager) SetReliableData(t model.PacketType, payload []byte) error {
	return m.stage(&model.Entry{Type: t, Payload: payload}, true, true)
}

// AddReliableData is [Manager.AddData] with guaranteed eventual
// delivery.
func (m *Manager) AddReliableData(t model.PacketType, payload []byte) error {
	return m.stage(&model.Entry{Type: t, Payload: payload}, true, false)
}

// SetAddonData is [Manager.SetData] in the sub-namespace of the given
// addon.
func (m *Manager) SetAddonData(addonID, packetID uint8, payload []byte) error {
	return m.stage(addonEntry(addonID, packetID, payload), false, true)
}

// AddAddonData is [Manager.AddData] in the sub-namespace of the given
// addon.
func (m *Manager) AddAddonData(addonID, packetID uint8, payload []byte) error {
	return m.stage(addonEntry(addonID, packetID, payload), false, false)
}

// SetReliableAddonData is [Manager.SetReliableData] in the
// sub-namespace of the given addon.
func (m *Manager) SetReliableAddonData(addonID, packetID uint8, payload []byte) error {
	return m.stage(addonEntry(addonID, packetID, payload), true, true)
}

// AddReliableAddonData is [Manager.AddReliableData] in the
// sub-namespace of the given addon.
func (m *Manager) AddReliableAddonData(addonID, packetID uint8, payload []byte) error {
	return m.stage(addonEntry(addonID, packetID, payload), true, false)
}

func addonEntry(addonID, packetID uint8, payload []byte) *model.Entry {
	return &model.Entry{
		Type:     model.TypeAddon,
		AddonID:  addonID,
		PacketID: packetID,
		Payload:  payload,
	}
}

// stage validates and stages one producer entry.
func (m *Manager) stage(entry *model.Entry, reliable, set bool) error {
	if entry.Type == model.TypeAddon {
		if !m.config.HasAddon(entry.AddonID) {
			return fmt.Errorf("%w: %d", ErrUnknownAddon, entry.AddonID)
		}
	} else if entry.Type.Reserved() {
		return fmt.Errorf("%w: %s", ErrReservedType, entry.Type)
	}
	if len(entry.Payload) > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes", model.ErrPayloadTooLarge, len(entry.Payload))
	}
	entry.Payload = append([]byte{}, entry.Payload...)
	defer m.mu.Unlock()
	m.mu.Lock()
	if reliable && !m.outgoing.canStageReliable(entry, set) {
		return ErrTooManyEntries
	}
	m.outgoing.put(entry, reliable, set)
	return nil
}

// addInternal stages a protocol entry, bypassing the reserved-type
// check of the producer API.
func (m *Manager) addInternal(t model.PacketType, payload []byte) {
	defer m.mu.Unlock()
	m.mu.Lock()
	m.outgoing.put(&model.Entry{Type: t, Payload: payload}, false, false)
}

// addonKey addresses one addon packet type.
type addonKey struct {
	addonID  uint8
	packetID uint8
}

// registry is the inbound dispatch registry.
type registry struct {
	addons map[addonKey]model.Handler
	chunk  func(data []byte)
	mu     sync.Mutex
	plain  map[model.PacketType]model.Handler
}

func newRegistry() *registry {
	return &registry{
		addons: make(map[addonKey]model.Handler),
		chunk:  nil,
		mu:     sync.Mutex{},
		plain:  make(map[model.PacketType]model.Handler),
	}
}

// RegisterHandler registers the handler for a packet type. Registering
// a type twice is a programming error reported immediately; a nil
// handler panics.
func (m *Manager) RegisterHandler(t model.PacketType, handler model.Handler) error {
	runtimex.PanicIfTrue(handler == nil, "update: nil handler")
	if t.Reserved() {
		return fmt.Errorf("%w: %s", ErrReservedType, t)
	}
	defer m.handlers.mu.Unlock()
	m.handlers.mu.Lock()
	if _, found := m.handlers.plain[t]; found {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, t)
	}
	m.handlers.plain[t] = handler
	return nil
}

// DeregisterHandler removes the handler for a packet type.
func (m *Manager) DeregisterHandler(t model.PacketType) error {
	defer m.handlers.mu.Unlock()
	m.handlers.mu.Lock()
	if _, found := m.handlers.plain[t]; !found {
		return fmt.Errorf("%w: %s", ErrNoSuchHandler, t)
	}
	delete(m.handlers.plain, t)
	return nil
}

// RegisterAddonHandler registers the handler for one packet type of a
// configured addon.
func (m *Manager) RegisterAddonHandler(addonID, packetID uint8, handler model.Handler) error {
	runtimex.PanicIfTrue(handler == nil, "update: nil handler")
	if !m.config.HasAddon(addonID) {
		return fmt.Errorf("%w: %d", ErrUnknownAddon, addonID)
	}
	key := addonKey{addonID: addonID, packetID: packetID}
	defer m.handlers.mu.Unlock()
	m.handlers.mu.Lock()
	if _, found := m.handlers.addons[key]; found {
		return fmt.Errorf("%w: addon %d packet %d", ErrDuplicateHandler, addonID, packetID)
	}
	m.handlers.addons[key] = handler
	return nil
}

// DeregisterAddonHandler removes the handler for one packet type of an
// addon.
func (m *Manager) DeregisterAddonHandler(addonID, packetID uint8) error {
	key := addonKey{addonID: addonID, packetID: packetID}
	defer m.handlers.mu.Unlock()
	m.handlers.mu.Lock()
	if _, found := m.handlers.addons[key]; !found {
		return fmt.Errorf("%w: addon %d packet %d", ErrNoSuchHandler, addonID, packetID)
	}
	delete(m.handlers.addons, key)
	return nil
}

// RegisterChunkHandler registers the callback receiving reassembled
// chunks, replacing the previous one. The connection manager owns this
// slot during the handshake and hands it over afterwards.
func (m *Manager) RegisterChunkHandler(fn func(data []byte)) {
	defer m.handlers.mu.Unlock()
	m.handlers.mu.Lock()
	m.handlers.chunk = fn
}

func (r *registry) lookupPlain(t model.PacketType) model.Handler {
	defer r.mu.Unlock()
	r.mu.Lock()
	return r.plain[t]
}

func (r *registry) lookupAddon(addonID, packetID uint8) model.Handler {
	defer r.mu.Unlock()
	r.mu.Lock()
	return r.addons[addonKey{addonID: addonID, packetID: packetID}]
}

func (r *registry) lookupChunk() func(data []byte) {
	defer r.mu.Unlock()
	r.mu.Lock()
	return r.chunk
}
