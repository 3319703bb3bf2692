package protocol

// Command is the closed set of packet commands the wire protocol supports.
// Numeric values match the upstream Gearman protocol numbering so packet
// captures from other implementations decode identically here.
type Command uint32

const (
	CommandText Command = iota
	CommandCanDo
	CommandCantDo
	CommandResetAbilities
	CommandPreSleep
	commandUnused5
	CommandNoop
	CommandSubmitJob
	CommandJobCreated
	CommandGrabJob
	CommandNoJob
	CommandJobAssign
	CommandWorkStatus
	CommandWorkComplete
	CommandWorkFail
	CommandGetStatus
	CommandEchoReq
	CommandEchoRes
	CommandSubmitJobBg
	CommandError
	CommandStatusRes
	CommandSubmitJobHigh
	CommandSetClientID
	CommandCanDoTimeout
	CommandAllYours
	CommandWorkException
	CommandOptionReq
	CommandOptionRes
	CommandWorkData
	CommandWorkWarning
	CommandGrabJobUniq
	CommandJobAssignUniq
	CommandSubmitJobHighBg
	CommandSubmitJobLow
	CommandSubmitJobLowBg
	CommandSubmitJobSched
	CommandSubmitJobEpoch
	commandMax
)

// Magic identifies the frame kind a packet was read from or will be written as.
type Magic uint8

const (
	MagicText Magic = iota
	MagicRequest
	MagicResponse
)

var magicBytes = map[Magic][4]byte{
	MagicRequest:  {0, 'R', 'E', 'Q'},
	MagicResponse: {0, 'R', 'E', 'S'},
}

// commandInfo describes one row of the static command table: the single
// source of truth Pack and Unpack both consult. argCount is the number of
// NUL-delimited argument strings a packet of this command carries; if
// hasData is true, the LAST argument runs to the end of the body and may
// itself contain embedded NUL bytes (it is opaque payload, not text).
type commandInfo struct {
	name     string
	magic    Magic // the magic this command is normally framed with (REQUEST or RESPONSE); 0 (MagicText) means "either"
	argCount int
	hasData  bool
}

var commandTable = [commandMax]commandInfo{
	CommandText:            {"TEXT", MagicText, 0, true},
	CommandCanDo:           {"CAN_DO", MagicRequest, 1, false},
	CommandCantDo:          {"CANT_DO", MagicRequest, 1, false},
	CommandResetAbilities:  {"RESET_ABILITIES", MagicRequest, 0, false},
	CommandPreSleep:        {"PRE_SLEEP", MagicRequest, 0, false},
	commandUnused5:         {"UNUSED", MagicText, 0, false},
	CommandNoop:            {"NOOP", MagicResponse, 0, false},
	CommandSubmitJob:       {"SUBMIT_JOB", MagicRequest, 2, true},
	CommandJobCreated:      {"JOB_CREATED", MagicResponse, 1, false},
	CommandGrabJob:         {"GRAB_JOB", MagicRequest, 0, false},
	CommandNoJob:           {"NO_JOB", MagicResponse, 0, false},
	CommandJobAssign:       {"JOB_ASSIGN", MagicResponse, 2, true},
	CommandWorkStatus:      {"WORK_STATUS", MagicRequest, 3, false},
	CommandWorkComplete:    {"WORK_COMPLETE", MagicRequest, 1, true},
	CommandWorkFail:        {"WORK_FAIL", MagicRequest, 1, false},
	CommandGetStatus:       {"GET_STATUS", MagicRequest, 1, false},
	CommandEchoReq:         {"ECHO_REQ", MagicRequest, 0, true},
	CommandEchoRes:         {"ECHO_RES", MagicResponse, 0, true},
	CommandSubmitJobBg:     {"SUBMIT_JOB_BG", MagicRequest, 2, true},
	CommandError:           {"ERROR", MagicResponse, 2, false},
	CommandStatusRes:       {"STATUS_RES", MagicResponse, 5, false},
	CommandSubmitJobHigh:   {"SUBMIT_JOB_HIGH", MagicRequest, 2, true},
	CommandSetClientID:     {"SET_CLIENT_ID", MagicRequest, 1, false},
	CommandCanDoTimeout:    {"CAN_DO_TIMEOUT", MagicRequest, 2, false},
	CommandAllYours:        {"ALL_YOURS", MagicRequest, 0, false},
	CommandWorkException:   {"WORK_EXCEPTION", MagicRequest, 1, true},
	CommandOptionReq:       {"OPTION_REQ", MagicRequest, 1, false},
	CommandOptionRes:       {"OPTION_RES", MagicResponse, 1, false},
	CommandWorkData:        {"WORK_DATA", MagicRequest, 1, true},
	CommandWorkWarning:     {"WORK_WARNING", MagicRequest, 1, true},
	CommandGrabJobUniq:     {"GRAB_JOB_UNIQ", MagicRequest, 0, false},
	CommandJobAssignUniq:   {"JOB_ASSIGN_UNIQ", MagicResponse, 3, true},
	CommandSubmitJobHighBg: {"SUBMIT_JOB_HIGH_BG", MagicRequest, 2, true},
	CommandSubmitJobLow:    {"SUBMIT_JOB_LOW", MagicRequest, 2, true},
	CommandSubmitJobLowBg:  {"SUBMIT_JOB_LOW_BG", MagicRequest, 2, true},
	CommandSubmitJobSched:  {"SUBMIT_JOB_SCHED", MagicRequest, 7, true},
	CommandSubmitJobEpoch:  {"SUBMIT_JOB_EPOCH", MagicRequest, 3, true},
}

func (c Command) valid() bool { return c < commandMax }

// String returns the canonical wire name of the command ("CAN_DO", ...).
func (c Command) String() string {
	if !c.valid() {
		return "UNKNOWN_COMMAND"
	}
	return commandTable[c].name
}

// Priority is the FIFO a job is enqueued on within its function.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// NumPriorities is the number of distinct priority FIFOs a function keeps.
const NumPriorities = int(numPriorities)

// SubmitVariant decodes which SUBMIT_JOB* command was sent into the
// priority and foreground/background split the dispatcher needs.
func SubmitVariant(cmd Command) (priority Priority, background, scheduled bool, ok bool) {
	switch cmd {
	case CommandSubmitJob:
		return PriorityNormal, false, false, true
	case CommandSubmitJobBg:
		return PriorityNormal, true, false, true
	case CommandSubmitJobHigh:
		return PriorityHigh, false, false, true
	case CommandSubmitJobHighBg:
		return PriorityHigh, true, false, true
	case CommandSubmitJobLow:
		return PriorityLow, false, false, true
	case CommandSubmitJobLowBg:
		return PriorityLow, true, false, true
	case CommandSubmitJobSched:
		return PriorityLow, false, true, true
	case CommandSubmitJobEpoch:
		return PriorityLow, false, true, true
	default:
		return 0, false, false, false
	}
}
