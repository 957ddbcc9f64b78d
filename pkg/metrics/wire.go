package metrics

import (
	"github.com/protei/rild/pkg/data"
	"github.com/protei/rild/pkg/network"
	"github.com/protei/rild/pkg/radio"
	"github.com/protei/rild/pkg/slot"
)

// Observe subscribes sm to sl's public signals so the exported gauges
// track the slot without any of the core subsystems knowing metrics
// exist. Call once per slot after construction.
func Observe(sm *SlotMetrics, sl *slot.Slot) {
	sl.Radio().OnStateChanged(func(on bool) { sm.SetRadioOn(on) })
	sl.Network().OnVoiceChanged(func(r *network.Registration) {
		if r != nil {
			sm.SetVoiceRegStatus(r.Status)
		}
	})
	sl.Network().OnDataChanged(func(r *network.Registration) {
		if r != nil {
			sm.SetDataRegStatus(r.Status)
		}
	})
	sl.Data().OnCallsChanged(func(calls []data.DataCall) {
		sm.SetActiveDataCalls(len(calls))
	})
}
