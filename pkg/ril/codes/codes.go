// Package codes holds the canonical RIL request and unsolicited-event
// numeric codes, plus a vendor alias table: vendor (MTK) specific
// unsolicited codes map to standard ones through an explicit per-slot
// config override table first and the built-in MTK aliases second. The
// codes a peer actually emits are recorded, but that record does not
// change the mapping.
package codes

// Request codes (subset relevant to the core subsystems).
const (
	ReqGetSIMStatus            int32 = 1
	ReqEnterSIMPIN             int32 = 2
	ReqEnterSIMPUK             int32 = 3
	ReqEnterSIMPIN2            int32 = 4
	ReqEnterSIMPUK2            int32 = 5
	ReqChangeSIMPIN            int32 = 6
	ReqChangeSIMPIN2           int32 = 7
	ReqSetupDataCall           int32 = 27
	ReqSIMIO                   int32 = 28
	ReqDeactivateDataCall      int32 = 41
	ReqQueryFacilityLock       int32 = 42
	ReqSetFacilityLock         int32 = 43
	ReqGetIMEI                 int32 = 38
	ReqGetIMEISV               int32 = 39
	ReqRadioPower              int32 = 23
	ReqSetScreenState          int32 = 61
	ReqDataRegistrationState   int32 = 21
	ReqVoiceRegistrationState  int32 = 20
	ReqOperator                int32 = 22
	ReqSetPreferredNetworkType int32 = 64
	ReqGetPreferredNetworkType int32 = 65
	ReqDataCallList            int32 = 57
	ReqDeviceIdentity          int32 = 98
	ReqGetCellInfoList         int32 = 109
	ReqSetUnsolCellInfoRate    int32 = 110
	ReqSetUICCSubscription     int32 = 113
	ReqSetUICCSubscriptionV9   int32 = 112
	ReqAllowData               int32 = 123
	ReqGetRadioCapability      int32 = 127
	ReqOEMHook                 int32 = 59
)

// Unsolicited event codes.
const (
	UnsolRadioStateChanged           int32 = 1000
	UnsolCallStateChanged            int32 = 1001
	UnsolVoiceNetworkStateChanged    int32 = 1002
	UnsolNewSMS                      int32 = 1003
	UnsolSIMStatusChanged            int32 = 1011
	UnsolDataCallListChanged         int32 = 1010
	UnsolRestrictedStateChanged      int32 = 1012
	UnsolCellInfoList                int32 = 1035
	UnsolUICCSubscriptionStatus      int32 = 1032
	UnsolRadioCapability             int32 = 1042
	UnsolSuppSvcNotification         int32 = 1006
	UnsolSIMRefresh                  int32 = 1030
	UnsolCallRing                    int32 = 1026
	UnsolNITZTimeReceived            int32 = 1008
	UnsolSignalStrength              int32 = 1009
)

// MTKVendorCodes lists unsolicited codes specific to the MTK vendor
// extension that must be translated (via Channel.InjectUnsol) into one of
// the standard codes above, when discovered or configured.
type MTKVendorCodes struct {
	// IncomingCallIndication etc. — learned either from observation or
	// from the [ril_X] config section's vendor code map.
	Aliases map[int32]int32 // vendor code -> standard code
}

// DefaultMTKAliases is the canonical set shipped with this driver; a
// vendor config override replaces entries by key.
func DefaultMTKAliases() map[int32]int32 {
	return map[int32]int32{
		3001: UnsolRestrictedStateChanged,
		3002: UnsolSIMStatusChanged,
		3003: UnsolRadioStateChanged,
	}
}

// Discoverer resolves vendor codes for a slot from its configured
// override table and the built-in MTK aliases, and records which raw
// unsolicited codes the peer has delivered.
type Discoverer struct {
	configured map[int32]int32
	observed   map[int32]bool
}

// NewDiscoverer seeds the discoverer with an explicit per-slot config
// override table (may be nil/empty).
func NewDiscoverer(configured map[int32]int32) *Discoverer {
	return &Discoverer{
		configured: configured,
		observed:   make(map[int32]bool),
	}
}

// Observe records that the peer emitted a raw code. Resolve does not
// consult this record.
func (d *Discoverer) Observe(code int32) {
	d.observed[code] = true
}

// Resolve returns the standard code a raw vendor code should be treated
// as: the configured override if there is one, else the driver's
// built-in default. Whether the code has been observed does not change
// the result.
func (d *Discoverer) Resolve(vendorCode int32) (int32, bool) {
	if std, ok := d.configured[vendorCode]; ok {
		return std, true
	}
	if std, ok := DefaultMTKAliases()[vendorCode]; ok {
		return std, true
	}
	return 0, false
}
