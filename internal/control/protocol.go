package control

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuongbtq/jobq/internal/codec"
	"github.com/cuongbtq/jobq/internal/cron"
	"github.com/cuongbtq/jobq/internal/domain"
)

// Reply codes carried by ERR replies
const (
	CodeMalformed     = 400
	CodeNotFound      = 404
	CodeUnknownVerb   = 405
	CodeConflict      = 409
	CodeFrameTooLarge = 413
	CodeInternal      = 500
	CodeUnavailable   = 503
)

// Command verbs
const (
	VerbEnqueue = "ENQUEUE"
	VerbStatus  = "STATUS"
	VerbCancel  = "CANCEL"
	VerbPing    = "PING"
	VerbStats   = "STATS"
	VerbWorkers = "WORKERS"

	VerbSchedule   = "SCHEDULE"
	VerbUnschedule = "UNSCHEDULE"
	VerbSchedules  = "SCHEDULES"
)

const (
	replyOK  = "OK"
	replyErr = "ERR"
)

// ProtocolError is an ERR reply. Fatal errors close the connection.
type ProtocolError struct {
	Code  int
	Msg   string
	Fatal bool
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s %d %s", replyErr, e.Code, e.Msg)
}

func malformed(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: CodeMalformed, Msg: fmt.Sprintf(format, args...)}
}

// errorReply maps a scheduler error to an ERR reply
func errorReply(err error) *ProtocolError {
	var perr *ProtocolError
	switch {
	case errors.As(err, &perr):
		return perr
	case errors.Is(err, domain.ErrJobNotFound):
		return &ProtocolError{Code: CodeNotFound, Msg: "job not found"}
	case errors.Is(err, domain.ErrJobLeased):
		return &ProtocolError{Code: CodeConflict, Msg: "job is leased; it will not be retried"}
	case errors.Is(err, domain.ErrJobTerminal):
		return &ProtocolError{Code: CodeConflict, Msg: "job already finished"}
	case errors.Is(err, domain.ErrInvalidQueue):
		return &ProtocolError{Code: CodeMalformed, Msg: "invalid queue name"}
	case errors.Is(err, cron.ErrUnknownSchedule):
		return &ProtocolError{Code: CodeNotFound, Msg: "schedule not found"}
	case errors.Is(err, cron.ErrDuplicateSchedule):
		return &ProtocolError{Code: CodeConflict, Msg: "schedule already exists"}
	case errors.Is(err, cron.ErrInvalidSchedule):
		return &ProtocolError{Code: CodeMalformed, Msg: err.Error()}
	case errors.Is(err, codec.ErrInvalidRecord), errors.Is(err, codec.ErrCorrupt),
		errors.Is(err, codec.ErrTruncated), errors.Is(err, codec.ErrBadHeader),
		errors.Is(err, codec.ErrUnknownVersion):
		return &ProtocolError{Code: CodeMalformed, Msg: "invalid payload"}
	case errors.Is(err, domain.ErrStoreUnavailable):
		return &ProtocolError{Code: CodeUnavailable, Msg: "store unavailable"}
	default:
		return &ProtocolError{Code: CodeInternal, Msg: "internal error"}
	}
}

// parseReply splits a reply into its OK body or a *ProtocolError
func parseReply(reply []byte) (string, error) {
	text := string(reply)
	switch {
	case text == replyOK:
		return "", nil
	case strings.HasPrefix(text, replyOK+" "), strings.HasPrefix(text, replyOK+"\n"):
		return text[len(replyOK)+1:], nil
	case strings.HasPrefix(text, replyErr+" "):
		rest := text[len(replyErr)+1:]
		codeText, msg, _ := strings.Cut(rest, " ")
		code, err := strconv.Atoi(codeText)
		if err != nil {
			return "", fmt.Errorf("malformed error reply %q", text)
		}
		return "", &ProtocolError{Code: code, Msg: msg, Fatal: code == CodeFrameTooLarge}
	default:
		return "", fmt.Errorf("unexpected reply %q", text)
	}
}
