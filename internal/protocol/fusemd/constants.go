package fusemd

// Protocol versions. Clients announcing less than ProtocolMin in their
// heartbeat are evicted with a version-mismatch reason.
const (
	ProtocolV1 uint32 = 1
	ProtocolV2 uint32 = 2
	ProtocolV3 uint32 = 3

	ProtocolMin     = ProtocolV2
	ProtocolCurrent = ProtocolV3
)

// Metadata request operations carried in MD.Operation.
const (
	OpGet uint32 = iota
	OpSet
	OpDelete
	OpGetCap
	OpLS
	OpGetLk
	OpSetLk
	OpSetLkW
	OpBeginFlush
	OpEndFlush
)

// MD record types carried in MD.Type.
const (
	// MDTypeMD marks a record carrying metadata only.
	MDTypeMD uint32 = iota
	// MDTypeLS marks a record whose children map is filled.
	MDTypeLS
	// MDTypeExcl marks a create request with O_EXCL semantics.
	MDTypeExcl
)

// Capability mode bits. X/W/R follow the POSIX access() values so that a
// POSIX mode test reads naturally; the remaining bits are broker-specific.
const (
	ModeX  uint32 = 0x001 // browse
	ModeW  uint32 = 0x002 // write
	ModeR  uint32 = 0x004 // read
	ModeD  uint32 = 0x008 // delete
	ModeM  uint32 = 0x010 // chmod
	ModeC  uint32 = 0x020 // chown
	ModeSA uint32 = 0x040 // set extended attributes
	ModeU  uint32 = 0x080 // update
	ModeSU uint32 = 0x100 // set utimes

	// ModeAll is what a root identity is granted.
	ModeAll = ModeX | ModeW | ModeR | ModeD | ModeM | ModeC | ModeSA | ModeU | ModeSU
)

// Response types.
const (
	RespNone uint32 = iota
	RespAck
	RespMD
	RespCap
	RespLock
	RespEvict
	RespLease
	RespDentry
	RespConfig
	RespDropCaps
)

// Ack codes.
const (
	AckOK uint32 = iota
	AckTemporaryFailure
	AckPermanentFailure
)

// Container types.
const (
	ContainerMDMap uint32 = iota
	ContainerMD
	ContainerCap
)

// Byte-range lock types.
const (
	LockRd uint32 = iota
	LockWr
	LockUn
)

// Lease message sub-types.
const (
	LeaseReleaseCap uint32 = iota
)

// Dentry message sub-types.
const (
	DentryAdd uint32 = iota
	DentryRemove
)

// Envelope types for inbound frames.
const (
	EnvMD uint32 = iota
	EnvHeartbeat
)

// Reserved extended attribute names.
const (
	XAttrBtime      = "sys.eos.btime"
	XAttrMdIno      = "sys.eos.mdino"
	XAttrNlink      = "sys.eos.nlink"
	XAttrSysACL     = "sys.acl"
	XAttrUserACL    = "user.acl"
	XAttrEvalUser   = "sys.eval.useracl"
	XAttrOwnerAuth  = "sys.owner.auth"
	XAttrMask       = "sys.mask"
	XAttrSysSpace   = "sys.forced.space"
	XAttrUserSpace  = "user.forced.space"
	XAttrMaxSize    = "sys.forced.maxsize"
	XAttrRecycle    = "sys.recycle"
)

// Magic names and prefixes on the wire and in the namespace.
const (
	// HardlinkPrefix starts the target field of a hardlink creation; the
	// decimal target inode follows.
	HardlinkPrefix = "////hlnk"

	// ShelterPrefix names a file kept alive because hardlinks still point
	// at it; the hex file id follows.
	ShelterPrefix = "...eos.ino..."

	// AtomicPrefix is the atomic-upload name prefix, forbidden for
	// client-created files and directories.
	AtomicPrefix = ".sys.a#."
)

// Protocol limits and defaults.
const (
	// MaxListing is the protocol-level cap on directory listings.
	MaxListing = 32768

	// ListingBatch is the number of children attached per streamed
	// container frame (and per namespace lock cycle).
	ListingBatch = 128

	// MaxImplicitCaps bounds the caps issued for child directories of a
	// single listing.
	MaxImplicitCaps = 16

	// DefaultLeaseTime is used when a client never announced one.
	DefaultLeaseTime = 300

	// MaxLeaseTime is the server-side ceiling on client lease times.
	MaxLeaseTime = 7 * 86400

	// CapRevocationMargin is how close to expiry a cap may be and still
	// validate a request.
	CapRevocationMargin = 60

	// DefaultMaxFileSize applies when a directory carries no
	// sys.forced.maxsize attribute: 512 GiB.
	DefaultMaxFileSize = 512 * 1024 * 1024 * 1024
)
