package api

import (
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// Error codes carried in-band by {ok: false, code, codeName} replies. These
// match the numbers used by the real server, so that the harness can be
// pointed at one.
const (
	CodeInternalError                          = 1
	CodeBadValue                               = 2
	CodeNoSuchKey                              = 4
	CodeHostUnreachable                        = 6
	CodeCommandNotFound                        = 59
	CodeWriteConcernFailed                     = 64
	CodeInvalidReplicaSetConfig                = 93
	CodeNotYetInitialized                      = 94
	CodeNewReplicaSetConfigurationIncompatible = 103
	CodeWriteConflict                          = 112
	CodeConflictingOperationInProgress         = 117
	CodeShardNotFound                          = 70
	CodeCursorNotFound                         = 43
	CodeMaxTimeMSExpired                       = 50
	CodeIllegalOperation                       = 20
	CodeOperationFailed                        = 96
	CodeDuplicateKey                           = 11000
	CodeInterruptedDueToReplStateChange        = 11602
	CodeNotWritablePrimary                     = 10107
	CodeNotPrimaryOrSecondary                  = 13436
	CodePrimarySteppedDown                     = 189
	CodeShutdownInProgress                     = 91
	CodeFailPointEnabled                       = 9001
	CodeAlreadyInitialized                     = 23
	CodeNodeNotFound                           = 74
	CodeCommandFailed                          = 125
	CodeNotPrimaryNoSecondaryOk                = 13435
	CodeStaleConfig                            = 13388
)

var codeNames = map[int]string{
	CodeInternalError:                          "InternalError",
	CodeBadValue:                               "BadValue",
	CodeNoSuchKey:                              "NoSuchKey",
	CodeHostUnreachable:                        "HostUnreachable",
	CodeCommandNotFound:                        "CommandNotFound",
	CodeWriteConcernFailed:                     "WriteConcernFailed",
	CodeInvalidReplicaSetConfig:                "InvalidReplicaSetConfig",
	CodeNotYetInitialized:                      "NotYetInitialized",
	CodeNewReplicaSetConfigurationIncompatible: "NewReplicaSetConfigurationIncompatible",
	CodeWriteConflict:                          "WriteConflict",
	CodeConflictingOperationInProgress:         "ConflictingOperationInProgress",
	CodeShardNotFound:                          "ShardNotFound",
	CodeCursorNotFound:                         "CursorNotFound",
	CodeMaxTimeMSExpired:                       "MaxTimeMSExpired",
	CodeIllegalOperation:                       "IllegalOperation",
	CodeOperationFailed:                        "OperationFailed",
	CodeDuplicateKey:                           "DuplicateKey",
	CodeInterruptedDueToReplStateChange:        "InterruptedDueToReplStateChange",
	CodeNotWritablePrimary:                     "NotWritablePrimary",
	CodeNotPrimaryOrSecondary:                  "NotPrimaryOrSecondary",
	CodePrimarySteppedDown:                     "PrimarySteppedDown",
	CodeShutdownInProgress:                     "ShutdownInProgress",
	CodeFailPointEnabled:                       "FailPointEnabled",
	CodeAlreadyInitialized:                     "AlreadyInitialized",
	CodeNodeNotFound:                           "NodeNotFound",
	CodeCommandFailed:                          "CommandFailed",
	CodeNotPrimaryNoSecondaryOk:                "NotPrimaryNoSecondaryOk",
	CodeStaleConfig:                            "StaleConfig",
}

// CodeName returns the symbolic name of an error code.
func CodeName(code int) string {
	if s, ok := codeNames[code]; ok {
		return s
	}

	return fmt.Sprintf("Location%d", code)
}

// CommandError is returned when a server replies {ok: false}.
type CommandError struct {
	Node     string
	Command  string
	Code     int
	CodeName string
	Message  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed on %s: %s (%d): %s",
		e.Command, e.Node, e.CodeName, e.Code, e.Message)
}

// HasCode returns true if err is (or wraps) a CommandError with the given code.
func HasCode(err error, code int) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Code == code
}

// StartupError is returned when a process exits (or never answers) before it
// reaches a ready state.
type StartupError struct {
	Node NodeID
	Addr string
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("node %s (%s) failed to start: %v", e.Node, e.Addr, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// QuorumNotReached is returned when a replication group doesn't settle (or a
// reconfig would leave it without a reachable majority).
type QuorumNotReached struct {
	Group   string
	Op      string
	Settled int
	Needed  int
	Err     error
}

func (e *QuorumNotReached) Error() string {
	s := fmt.Sprintf("quorum not reached for %s on group %s: settled=%d, needed=%d",
		e.Op, e.Group, e.Settled, e.Needed)
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

func (e *QuorumNotReached) Unwrap() error {
	return e.Err
}

// DrainIncomplete is returned by removeShard when ranges still belong to the
// shard after the poll budget is spent.
type DrainIncomplete struct {
	Shard     ShardID
	Remaining int
	Polls     int
	Err       error
}

func (e *DrainIncomplete) Error() string {
	s := fmt.Sprintf("drain of shard %s incomplete after %d polls: %d ranges remain",
		e.Shard, e.Polls, e.Remaining)
	if e.Err != nil {
		s = fmt.Sprintf("%s (last error: %v)", s, e.Err)
	}
	return s
}

func (e *DrainIncomplete) Unwrap() error {
	return e.Err
}

// ConnectionLost is returned when the transport to a node fails mid-operation.
type ConnectionLost struct {
	Addr string
	Op   string
	Err  error
}

func (e *ConnectionLost) Error() string {
	return fmt.Sprintf("connection to %s lost during %s: %v", e.Addr, e.Op, e.Err)
}

func (e *ConnectionLost) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when any bounded wait is exceeded.
type TimeoutError struct {
	Op    string
	After time.Duration

	// Last is the last error seen while waiting, if any.
	Last error
}

func (e *TimeoutError) Error() string {
	s := fmt.Sprintf("timed out after %s waiting for %s", e.After, e.Op)
	if e.Last != nil {
		s = fmt.Sprintf("%s (last error: %v)", s, e.Last)
	}
	return s
}

func (e *TimeoutError) Unwrap() error {
	return e.Last
}

// ProtocolMismatch is raised by the mock service when a request doesn't match
// what was programmed.
type ProtocolMismatch struct {
	ConnID  string
	Index   int // index of the expectation which was checked, or -1
	Reason  string
	Request string
	Diff    string
}

func (e *ProtocolMismatch) Error() string {
	s := fmt.Sprintf("protocol mismatch on conn %q (expectation %d): %s; request=%s",
		e.ConnID, e.Index, e.Reason, e.Request)
	if e.Diff != "" {
		s = fmt.Sprintf("%s\ndiff (-want +got):\n%s", s, e.Diff)
	}
	return s
}

// DuplicateShard is returned when a group is added as a shard, but its members
// already belong to another shard.
type DuplicateShard struct {
	Shard    ShardID
	Existing ShardID
	Host     string
}

func (e *DuplicateShard) Error() string {
	return fmt.Sprintf("can't add shard %s: host %s already belongs to shard %s",
		e.Shard, e.Host, e.Existing)
}

// RangeOverlapConflict is returned when a mutation of the distribution would
// leave a key covered by zero or two ranges.
type RangeOverlapConflict struct {
	Range string
	Other string
	Msg   string
}

func (e *RangeOverlapConflict) Error() string {
	if e.Other == "" {
		return fmt.Sprintf("range conflict at %s: %s", e.Range, e.Msg)
	}
	return fmt.Sprintf("range conflict between %s and %s: %s", e.Range, e.Other, e.Msg)
}

// transientCodes are server errors which are expected while a group is
// electing, a node is restarting or a range is migrating, and so are worth
// retrying.
var transientCodes = map[int]struct{}{
	CodeHostUnreachable:                 {},
	CodeNotYetInitialized:               {},
	CodeNotWritablePrimary:              {},
	CodeNotPrimaryOrSecondary:           {},
	CodePrimarySteppedDown:              {},
	CodeInterruptedDueToReplStateChange: {},
	CodeShutdownInProgress:              {},
	CodeStaleConfig:                     {},
}

// IsTransient returns true if the error is a network-transient one which the
// topology controller should retry.
func IsTransient(err error) bool {
	var cl *ConnectionLost
	if errors.As(err, &cl) {
		return true
	}

	var ce *CommandError
	if errors.As(err, &ce) {
		_, ok := transientCodes[ce.Code]
		return ok
	}

	return false
}

// IsWriteConflict returns true if the error is a write which lost a race with
// a concurrent write to the same document.
func IsWriteConflict(err error) bool {
	return HasCode(err, CodeWriteConflict)
}
