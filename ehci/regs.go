package ehci

const (
	MMIOSize   = 0x1000 // register window
	CapLength  = 0x20   // operational registers start here
	HCIVersion = 0x0100
	MaxPorts   = 15

	BufferSize = 5 * 4096 // largest qTD or iTD transaction
)

// capability register offsets

const (
	RegCapLength  = 0x00 // capability register length (R, 1 byte)
	RegHCIVersion = 0x02 // interface version (R, 2 bytes)
	RegHCSParams  = 0x04 // structural parameters (R)
	RegHCCParams  = 0x08 // capability parameters (R)
)

// operational register offsets

const (
	RegUSBCmd        = CapLength + 0x00 // command (RW)
	RegUSBSts        = CapLength + 0x04 // status (RWC)
	RegUSBIntr       = CapLength + 0x08 // interrupt enable (RW)
	RegFrIndex       = CapLength + 0x0c // frame index (RW)
	RegCtrlDSSegment = CapLength + 0x10 // 4G segment selector (RW, always 0)
	RegPeriodicBase  = CapLength + 0x14 // frame list base address (RW)
	RegAsyncListAddr = CapLength + 0x18 // next async QH (RW)
	RegConfigFlag    = CapLength + 0x40 // configured flag (RW)
	RegPortSC0       = CapLength + 0x44 // first port status/control (RW)
)

// RegPortSC returns the offset of port n's status/control register.
func RegPortSC(n int) int {
	return RegPortSC0 + 4*n
}

// usbcmd bits

const (
	CmdRunStop = 1 << 0  // run/stop
	CmdHCReset = 1 << 1  // host controller reset
	CmdFLS     = 3 << 2  // frame list size
	CmdPSE     = 1 << 4  // periodic schedule enable
	CmdASE     = 1 << 5  // async schedule enable
	CmdIAAD    = 1 << 6  // interrupt on async advance doorbell
	CmdLHCR    = 1 << 7  // light host controller reset
	CmdASPMC   = 3 << 8  // async sched park mode count
	CmdASPME   = 1 << 11 // async sched park mode enable
	CmdITC     = 0x7f << 16

	cmdITCShift = 16
	maxIntRate  = 8 // default ITC, in microframes
)

// usbsts bits

const (
	StsInt    = 1 << 0  // USB interrupt
	StsErrInt = 1 << 1  // error interrupt
	StsPCD    = 1 << 2  // port change detect
	StsFLR    = 1 << 3  // frame list rolled over
	StsHSE    = 1 << 4  // host system error
	StsIAA    = 1 << 5  // interrupt on async advance
	StsHalt   = 1 << 12 // host controller halted
	StsRec    = 1 << 13 // reclamation
	StsPSS    = 1 << 14 // periodic schedule status
	StsASS    = 1 << 15 // async schedule status

	stsWCMask   = 0x3f // write-one-to-clear bits
	intrMask    = 0x3f // usbintr bits
	stsIntrMask = StsInt | StsErrInt | StsPCD | StsFLR | StsHSE | StsIAA
)

// portsc bits

const (
	PortConnect   = 1 << 0  // current connect status
	PortCSC       = 1 << 1  // connect status change
	PortPED       = 1 << 2  // port enabled
	PortPEDC      = 1 << 3  // port enable change
	PortOCA       = 1 << 4  // over-current active
	PortOCC       = 1 << 5  // over-current change
	PortFPRes     = 1 << 6  // force port resume
	PortSuspend   = 1 << 7  // port suspend
	PortReset     = 1 << 8  // port reset
	PortLineStat  = 3 << 10 // line status
	PortPower     = 1 << 12 // port power
	PortOwner     = 1 << 13 // port owned by the companion
	PortIndicator = 3 << 14 // port indicator control
	PortTest      = 15 << 16
	PortWakeConn  = 1 << 20 // wake on connect
	PortWakeDisc  = 1 << 21 // wake on disconnect
	PortWakeOC    = 1 << 22 // wake on over-current

	portRWCMask = PortCSC | PortPEDC | PortOCC
	portRWMask  = PortFPRes | PortSuspend | PortReset | PortWakeConn | PortWakeDisc | PortWakeOC
)

// link pointer fields

const (
	LinkTerminate = 1 << 0
	LinkTypeMask  = 3 << 1
	LinkAddrMask  = 0xffffffe0
)

// link pointer types

const (
	TypeITD  = 0
	TypeQH   = 1
	TypeSITD = 2
	TypeFSTN = 3
)

// Link returns a link pointer to addr with the given type.
func Link(addr uint32, typ int) uint32 {
	return addr&LinkAddrMask | uint32(typ)<<1
}

func linkAddr(x uint32) uint32 { return x & LinkAddrMask }
func linkType(x uint32) int    { return int(x>>1) & 3 }
func linkValid(x uint32) bool  { return x&LinkTerminate == 0 }

// iTD transaction status and control

const (
	ITDActive    = 1 << 31
	ITDDBError   = 1 << 30
	ITDBabble    = 1 << 29
	ITDXactErr   = 1 << 28
	ITDLenMask   = 0x0fff0000
	ITDIOC       = 1 << 15
	ITDPGMask    = 0x7000
	ITDOffMask   = 0xfff
	ITDLenShift  = 16
	ITDPGShift   = 12
	ITDBufMask   = 0xfffff000
	ITDEPMask    = 0xf00 // bufptr[0]
	ITDEPShift   = 8
	ITDAddrMask  = 0x7f    // bufptr[0]
	ITDDirIn     = 1 << 11 // bufptr[1]
	ITDMaxPkt    = 0x7ff   // bufptr[1]
	ITDMultMask  = 3       // bufptr[2]
	itdSlots     = 8
	itdBufptrs   = 7
	itdWords     = 1 + itdSlots + itdBufptrs
	maxITDChain  = 16
	isochPauseFr = 50
)

// siTD

const (
	SITDActive = 1 << 7 // results
	sitdWords  = 7
)

// qTD token

const (
	QTDToggle      = 1 << 31
	QTDBytesMask   = 0x7fff0000
	QTDIOC         = 1 << 15
	QTDCPageMask   = 0x7000
	QTDCErrMask    = 0xc00
	QTDPIDMask     = 0x300
	QTDActive      = 1 << 7
	QTDHalt        = 1 << 6
	QTDDBErr       = 1 << 5
	QTDBabble      = 1 << 4
	QTDXactErr     = 1 << 3
	QTDMissedUF    = 1 << 2
	QTDSplitXState = 1 << 1
	QTDPing        = 1 << 0
	QTDBytesShift  = 16
	QTDCPageShift  = 12
	QTDCErrShift   = 10
	QTDPIDShift    = 8
	QTDBufMask     = 0xfffff000

	PIDOut   = 0
	PIDIn    = 1
	PIDSetup = 2

	qtdWords = 8
)

// QH endpoint characteristics

const (
	QHRLMask    = 0xf0000000 // NAK count reload
	QHRLShift   = 28
	QHC         = 1 << 27 // control endpoint
	QHMPLMask   = 0x07ff0000
	QHMPLShift  = 16
	QHH         = 1 << 15 // head of reclamation list
	QHDTC       = 1 << 14 // data toggle control
	QHEPSMask   = 0x3000
	QHEPSShift  = 12
	QHEPMask    = 0xf00
	QHEPShift   = 8
	QHI         = 1 << 7 // inactivate on next transaction
	QHAddrMask  = 0x7f
	EPSFull     = 0
	EPSLow      = 1
	EPSHigh     = 2
	qhWords     = 12
	qhFlushFrom = 3 // words before this are never written back
)

// QH endpoint capabilities, overlay fields

const (
	QHMultMask     = 0xc0000000
	QHMultShift    = 30
	QHPortMask     = 0x3f800000
	QHHubMask      = 0x007f0000
	QHCMask        = 0xff00
	QHSMask        = 0xff
	QHNakCntMask   = 0x1e // altnext
	QHNakCntShift  = 1
	qhCProgMask    = 0xff // bufptr[1]
	qhFrameTagMask = 0x1f // bufptr[2]
)

func field(v, mask uint32, shift uint) uint32 {
	return (v & mask) >> shift
}

func setField(v *uint32, x, mask uint32, shift uint) {
	*v = *v&^mask | (x<<shift)&mask
}
