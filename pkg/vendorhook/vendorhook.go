// Package vendorhook translates vendor-specific (MTK) unsolicited events
// into the standard codes the rest of the driver understands, via
// Channel.InjectUnsol. It listens on every known vendor code and maps
// each one it receives through an explicit per-slot config override
// table first and the built-in MTK aliases second.
package vendorhook

import (
	"github.com/protei/rild/pkg/ril/channel"
	"github.com/protei/rild/pkg/ril/codes"
)

// Hook normalises vendor traffic for one slot's Channel.
type Hook struct {
	ch         *channel.Channel
	discoverer *codes.Discoverer
	subs       []subHandle
}

type subHandle struct {
	code int32
	id   int
}

// New installs pass-through listeners on every known MTK vendor code and
// returns a Hook that can be disposed to remove them.
func New(ch *channel.Channel, configured map[int32]int32) *Hook {
	h := &Hook{
		ch:         ch,
		discoverer: codes.NewDiscoverer(configured),
	}
	for vendorCode := range codes.DefaultMTKAliases() {
		h.watch(vendorCode)
	}
	for vendorCode := range configured {
		h.watch(vendorCode)
	}
	return h
}

func (h *Hook) watch(vendorCode int32) {
	for _, s := range h.subs {
		if s.code == vendorCode {
			return
		}
	}
	id := h.ch.SubscribeUnsol(vendorCode, func(body []byte) {
		h.discoverer.Observe(vendorCode)
		if std, ok := h.discoverer.Resolve(vendorCode); ok {
			h.ch.InjectUnsol(std, body)
		}
	})
	h.subs = append(h.subs, subHandle{code: vendorCode, id: id})
}

// Dispose removes every handler this hook installed.
func (h *Hook) Dispose() {
	for _, s := range h.subs {
		h.ch.RemoveHandler(s.code, s.id)
	}
	h.subs = nil
}
