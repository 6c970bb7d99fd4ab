package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// MaxDelaySeconds caps -t values so a delay always converts to a
// time.Duration without overflowing int64 nanoseconds.
const MaxDelaySeconds = math.MaxInt64 / int64(time.Second)

var (
	// ErrOptionSyntax indicates a malformed -u/-t option sequence.
	ErrOptionSyntax = errors.New("invalid option syntax")

	// ErrInvalidDelay indicates a -t value that is not a non-negative integer.
	ErrInvalidDelay = errors.New("invalid delay")

	// ErrValidation indicates an argument failed field validation.
	ErrValidation = errors.New("validation failed")
)

var validate = newValidator()

// Username fields share one rule: 3-15 characters, no whitespace. The
// whitespace half is a custom "nospace" validation because excludesall
// cannot express a multi-rune blacklist of control characters.
func newValidator() *validator.Validate {
	v := validator.New()
	err := v.RegisterValidation("nospace", func(fl validator.FieldLevel) bool {
		return !strings.ContainsAny(fl.Field().String(), " \t\r\n")
	})
	if err != nil {
		panic(err)
	}
	return v
}

// SendArgs are the parsed arguments of the send command:
//
//	send [-u <username>|--username <username>] [-t <seconds>|--time <seconds>] <text...>
//
// An empty Username means broadcast. DelaySeconds zero means immediate.
type SendArgs struct {
	Username     string `validate:"omitempty,min=3,max=15,nospace"`
	DelaySeconds int    `validate:"min=0"`
	Text         string `validate:"required"`
}

// RenameArgs are the parsed arguments of the rename command.
type RenameArgs struct {
	Username string `validate:"required,min=3,max=15,nospace"`
}

// ReportArgs are the parsed arguments of the report command.
type ReportArgs struct {
	Username string `validate:"required"`
}

// ParseSendArgs tokenizes a send argument string. Options must precede the
// message text; the first non-option token starts the text, which runs to the
// end of the input.
func ParseSendArgs(data string) (*SendArgs, error) {
	fields := strings.Fields(data)
	args := &SendArgs{}

	i := 0
loop:
	for i < len(fields) {
		switch fields[i] {
		case "-u", "--username":
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("%w: option %q requires a value", ErrOptionSyntax, fields[i])
			}
			args.Username = fields[i+1]
			i += 2
		case "-t", "--time":
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("%w: option %q requires a value", ErrOptionSyntax, fields[i])
			}
			secs, err := strconv.Atoi(fields[i+1])
			if err != nil || secs < 0 || int64(secs) > MaxDelaySeconds {
				return nil, fmt.Errorf("%w: delay must be a non-negative integer, got %q", ErrInvalidDelay, fields[i+1])
			}
			args.DelaySeconds = secs
			i += 2
		default:
			if strings.HasPrefix(fields[i], "-") {
				return nil, fmt.Errorf("%w: unknown option %q", ErrOptionSyntax, fields[i])
			}
			break loop
		}
	}

	args.Text = strings.Join(fields[i:], " ")
	if args.Text == "" {
		return nil, fmt.Errorf("%w: message text must not be empty", ErrValidation)
	}
	if err := validate.Struct(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return args, nil
}

// ParseRenameArgs validates a rename argument string.
func ParseRenameArgs(data string) (*RenameArgs, error) {
	args := &RenameArgs{Username: strings.TrimSpace(data)}
	if err := validate.Struct(args); err != nil {
		return nil, fmt.Errorf("%w: username must be 3-15 characters without whitespace", ErrValidation)
	}
	return args, nil
}

// ParseReportArgs validates a report argument string.
func ParseReportArgs(data string) (*ReportArgs, error) {
	args := &ReportArgs{Username: strings.TrimSpace(data)}
	if err := validate.Struct(args); err != nil {
		return nil, fmt.Errorf("%w: report requires a username", ErrValidation)
	}
	return args, nil
}
