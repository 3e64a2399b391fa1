package ua

// MonitoringMode controls whether a MonitoredItem samples at all and
// whether samples are reported to the client (spec.md §3).
type MonitoringMode uint8

const (
	MonitoringModeDisabled MonitoringMode = iota
	MonitoringModeSampling
	MonitoringModeReporting
)

// DataChangeTrigger selects what constitutes a reportable change
// (spec.md §4.F).
type DataChangeTrigger uint8

const (
	TriggerStatus DataChangeTrigger = iota
	TriggerStatusValue
	TriggerStatusValueTimestamp
)

// DeadbandType selects the deadband comparison applied before a sample is
// queued (spec.md §4.F).
type DeadbandType uint8

const (
	DeadbandNone DeadbandType = iota
	DeadbandAbsolute
	DeadbandPercent
)

// DiscardPolicy selects which end of a MonitoredItem queue is dropped on
// overflow (spec.md §3).
type DiscardPolicy uint8

const (
	DiscardOldest DiscardPolicy = iota
	DiscardNewest
)

// SecurityMode is the message security mode negotiated on OpenSecureChannel.
type SecurityMode uint8

const (
	SecurityModeNone SecurityMode = iota
	SecurityModeSign
	SecurityModeSignAndEncrypt
)

// SecurityPolicyURI names one of the recognised security policies
// (spec.md §6).
type SecurityPolicyURI string

const (
	SecurityPolicyNone                 SecurityPolicyURI = "http://opcfoundation.org/UA/SecurityPolicy#None"
	SecurityPolicyBasic256Sha256       SecurityPolicyURI = "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"
	SecurityPolicyAes128Sha256RsaOaep  SecurityPolicyURI = "http://opcfoundation.org/UA/SecurityPolicy#Aes128_Sha256_RsaOaep"
	SecurityPolicyAes256Sha256RsaPss   SecurityPolicyURI = "http://opcfoundation.org/UA/SecurityPolicy#Aes256_Sha256_RsaPss"
)

// UserTokenType names a supported UserIdentityToken policy. Anonymous,
// UserName, and Certificate are named by spec.md §6; IssuedToken is this
// repository's EXPANSION (SPEC_FULL.md §3) carrying a signed JWT.
type UserTokenType uint8

const (
	UserTokenAnonymous UserTokenType = iota
	UserTokenUserName
	UserTokenCertificate
	UserTokenIssuedToken
)

// TimestampsToReturn selects which timestamps a Read/monitored sample
// response carries.
type TimestampsToReturn uint8

const (
	TimestampsSource TimestampsToReturn = iota
	TimestampsServer
	TimestampsBoth
	TimestampsNeither
)

// InfoBits flags attached to a queued DataValue.
type InfoBits uint8

const (
	InfoBitsNone     InfoBits = 0
	InfoBitsOverflow InfoBits = 1 << 0
)
