package jiterrors

import (
	"errors"
	"strings"
)

// Encoding (E) Errors
var (
	ErrEncodingRange      = errors.New("E1|EncodingRange: Displacement does not fit in a signed 32-bit field.")
	ErrUnsupportedOperand = errors.New("E2|UnsupportedOperand: Operand is outside the encodable range of the instruction.")
	ErrBufferOverflow     = errors.New("E3|BufferOverflow: Encoded instructions exceed the output buffer.")
)

// Lookup (L) Errors
var (
	ErrLookupOutOfRange   = errors.New("L1|LookupOutOfRange: Function identifier is outside the table capacity.")
	ErrLookupUnregistered = errors.New("L2|LookupUnregistered: No instruction sequence is registered for the function identifier.")
	ErrAlreadyCompiled    = errors.New("L3|AlreadyCompiled: Function identifier is already compiled and cannot be re-registered.")
)

// Allocation (A) Errors
var (
	ErrAllocation          = errors.New("A1|Allocation: The OS refused a read-write-execute mapping.")
	ErrUnsupportedPlatform = errors.New("A2|UnsupportedPlatform: Native execution requires linux/amd64 with cgo.")
)

// Call-site (C) Errors
var (
	ErrTooManyArguments = errors.New("C1|TooManyArguments: Lazy calls carry at most one integer argument.")
	ErrNotCallSite      = errors.New("C2|NotCallSite: Return address does not follow a direct call into the trampoline.")
	ErrEngineClosed     = errors.New("C3|EngineClosed: The engine has released its code regions.")
)

var known = []error{
	ErrEncodingRange, ErrUnsupportedOperand, ErrBufferOverflow,
	ErrLookupOutOfRange, ErrLookupUnregistered, ErrAlreadyCompiled,
	ErrAllocation, ErrUnsupportedPlatform,
	ErrTooManyArguments, ErrNotCallSite, ErrEngineClosed,
}

// sentinel returns the first known error in err's chain.
func sentinel(err error) error {
	if err == nil {
		return nil
	}
	for _, s := range known {
		if errors.Is(err, s) {
			return s
		}
	}
	return nil
}

// IsLookup reports whether err is one of the lookup failures.
func IsLookup(err error) bool {
	return errors.Is(err, ErrLookupOutOfRange) || errors.Is(err, ErrLookupUnregistered)
}

func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	s := sentinel(err)
	if s == nil {
		return err.Error()
	}
	parts := strings.SplitN(s.Error(), "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code of the known error wrapped by err.
func GetErrorCode(err error) string {
	s := sentinel(err)
	if s == nil {
		return ""
	}
	parts := strings.SplitN(s.Error(), "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	if code == "" {
		return ""
	}
	return code + "_" + GetErrorName(err)
}
