package cloner

import (
	"errors"
	"fmt"
)

// Kind identifies a class of session-init failure that external
// orchestration can act on. The set is closed: anything unclassified is
// KindGeneric.
type Kind int

const (
	// KindGeneric covers all failures with no actionable detail for the
	// session user
	KindGeneric Kind = iota

	// KindRemoteUnavailable means the git service never became reachable
	// within the configured wait
	KindRemoteUnavailable

	// KindUnexpectedAutosaveFormat is reserved for autosave recovery flows
	KindUnexpectedAutosaveFormat

	// KindNoDiskSpace means checkout or LFS download cannot fit on the
	// workspace volume
	KindNoDiskSpace

	// KindBranchDoesNotExist means checkout of the target branch failed
	KindBranchDoesNotExist

	// KindCloudStorageOverwritesExistingFiles means a storage mount point
	// already exists on disk and mounting would clobber it
	KindCloudStorageOverwritesExistingFiles

	// KindSubmoduleFailure is reserved; submodule errors are currently
	// logged and swallowed, never raised
	KindSubmoduleFailure
)

func (k Kind) String() string {
	switch k {
	case KindRemoteUnavailable:
		return "remote_unavailable"
	case KindUnexpectedAutosaveFormat:
		return "unexpected_autosave_format"
	case KindNoDiskSpace:
		return "no_disk_space"
	case KindBranchDoesNotExist:
		return "branch_does_not_exist"
	case KindCloudStorageOverwritesExistingFiles:
		return "cloud_storage_overwrites_existing_files"
	case KindSubmoduleFailure:
		return "submodule_failure"
	default:
		return "generic"
	}
}

// Process exit codes are the contract that session orchestration relies on
// to decide whether to retry or surface the failure to the user.
const (
	ExitGeneric                  = 200
	ExitRemoteUnavailable        = 201
	ExitUnexpectedAutosaveFormat = 202
	ExitNoDiskSpace              = 203

	// 204 and 205 are reserved for the branch and submodule kinds but are
	// not returned today: orchestration observes 200 for those failures.
	// Changing this would change the external retry contract.
	exitBranchDoesNotExistReserved = 204
	exitSubmoduleFailureReserved   = 205
)

// InitError is a classified session-init failure.
type InitError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *InitError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *InitError) Unwrap() error {
	return e.Cause
}

func newInitError(kind Kind, message string, cause error) *InitError {
	return &InitError{Kind: kind, Message: message, Cause: cause}
}

// ExitCode maps an error to the process exit code the session contract
// requires. Unclassified errors map to the generic code.
func ExitCode(err error) int {
	var initErr *InitError
	if !errors.As(err, &initErr) {
		return ExitGeneric
	}

	switch initErr.Kind {
	case KindRemoteUnavailable:
		return ExitRemoteUnavailable
	case KindUnexpectedAutosaveFormat:
		return ExitUnexpectedAutosaveFormat
	case KindNoDiskSpace:
		return ExitNoDiskSpace
	default:
		// KindBranchDoesNotExist and KindSubmoduleFailure intentionally
		// fall through to the generic code, see the reserved constants.
		return ExitGeneric
	}
}
