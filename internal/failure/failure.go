package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a pipeline failure. Callers switch on the kind to decide
// what feedback to give; the wrapped error carries the detail.
type Kind int

const (
	Unknown Kind = iota
	MalformedContainer
	DecryptionFailed
	IntegrityCheckFailed
	NoKeyFound
	NoCertificateFound
	ImportRejected
	PersistenceFailed
)

var (
	ErrMalformedContainer   = errors.New("malformed container")
	ErrDecryptionFailed     = errors.New("decryption failed")
	ErrIntegrityCheckFailed = errors.New("integrity check failed")
	ErrNoKeyFound           = errors.New("no private key found")
	ErrNoCertificateFound   = errors.New("no certificate found")
	ErrImportRejected       = errors.New("import rejected")
	ErrPersistenceFailed    = errors.New("persistence failed")
)

var kindNames = map[Kind]string{
	Unknown:              "Unknown",
	MalformedContainer:   "MalformedContainer",
	DecryptionFailed:     "DecryptionFailed",
	IntegrityCheckFailed: "IntegrityCheckFailed",
	NoKeyFound:           "NoKeyFound",
	NoCertificateFound:   "NoCertificateFound",
	ImportRejected:       "ImportRejected",
	PersistenceFailed:    "PersistenceFailed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) sentinel() error {
	switch k {
	case MalformedContainer:
		return ErrMalformedContainer
	case DecryptionFailed:
		return ErrDecryptionFailed
	case IntegrityCheckFailed:
		return ErrIntegrityCheckFailed
	case NoKeyFound:
		return ErrNoKeyFound
	case NoCertificateFound:
		return ErrNoCertificateFound
	case ImportRejected:
		return ErrImportRejected
	case PersistenceFailed:
		return ErrPersistenceFailed
	}
	return nil
}

// Error is the typed failure returned by every stage of the pipeline.
// Status holds the raw status reported by an external collaborator (an
// identity store return code, for instance) and is surfaced verbatim.
type Error struct {
	Kind   Kind
	Op     string
	Status string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if s := e.Kind.sentinel(); s != nil {
		b.WriteString(s.Error())
	} else {
		b.WriteString("failure")
	}
	if e.Status != "" {
		b.WriteString(" (status: ")
		b.WriteString(e.Status)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// New wraps err as a failure of the given kind raised by op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Rejected builds an ImportRejected failure carrying the store's status.
func Rejected(op, status string, err error) *Error {
	return &Error{Kind: ImportRejected, Op: op, Status: status, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// StatusOf returns the raw external status attached to err, if any.
func StatusOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return ""
}

// Message returns a user-facing message for err, one per failure kind.
func Message(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case MalformedContainer:
		return "The file is not a valid .p12/.pfx container or is corrupted."
	case IntegrityCheckFailed:
		return "The container password is incorrect."
	case DecryptionFailed:
		return "The container could not be decrypted. Check the password and try again."
	case NoKeyFound:
		return "The container does not hold a private key."
	case NoCertificateFound:
		return "The container does not hold a certificate for its private key."
	case ImportRejected:
		if status := StatusOf(err); status != "" {
			return "The identity store rejected the import (" + status + ")."
		}
		return "The identity store rejected the import."
	case PersistenceFailed:
		return "The new container was built but could not be saved."
	default:
		return "Processing failed. Please verify the file and password."
	}
}
