package update

import "time"

const (
	// connectionTimeout is how long we tolerate silence from the
	// remote before declaring the connection dead.
	connectionTimeout = 5 * time.Second

	// scheduleLagReset is how far the send schedule may fall behind
	// before it resets to the present rather than catching up with a
	// burst of back-to-back sends.
	scheduleLagReset = 500 * time.Millisecond

	// incomingQueueSize bounds the datagrams queued between the
	// transport receive callback and the receive worker.
	incomingQueueSize = 128

	// maxBlockEntries is how many reliable entries fit in one block.
	maxBlockEntries = 255
)
