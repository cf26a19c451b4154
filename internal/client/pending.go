package client

import (
	"sync/atomic"
	"time"

	"keyvoxdesk/internal/protocol"
)

type outcome struct {
	resp *protocol.Response
	err  error
}

// pendingRequest is resolved exactly once: by its response, its deadline,
// caller cancellation or transport loss, whichever claims it first.
type pendingRequest struct {
	id      string
	cmdType string
	started time.Time
	claimed atomic.Bool
	done    chan outcome
}

func newPendingRequest(id, cmdType string) *pendingRequest {
	return &pendingRequest{
		id:      id,
		cmdType: cmdType,
		started: time.Now(),
		done:    make(chan outcome, 1),
	}
}

func (p *pendingRequest) claim() bool {
	return p.claimed.CompareAndSwap(false, true)
}

func (p *pendingRequest) resolve(out outcome) bool {
	if !p.claim() {
		return false
	}
	p.done <- out
	return true
}

func rejectAll(pending map[string]*pendingRequest, err error) {
	for _, req := range pending {
		req.resolve(outcome{err: err})
	}
}
