package validation

import (
	"fmt"
	"net"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"peerchat/internal/constants"
	"peerchat/internal/errors"
	"peerchat/internal/models"
)

// ValidateNickname checks a peer nickname: non-empty, bounded, printable and
// free of whitespace so it survives the shell's word splitting.
func ValidateNickname(name string) error {
	if name == "" {
		return errors.NewValidationError("nickname", "cannot be empty")
	}

	if utf8.RuneCountInString(name) > constants.DefaultMaxNicknameLength {
		return errors.NewValidationError("nickname",
			fmt.Sprintf("too long (max %d characters)", constants.DefaultMaxNicknameLength))
	}

	for _, r := range name {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return errors.NewValidationError("nickname", "must not contain whitespace or control characters")
		}
	}

	if strings.HasPrefix(name, constants.TopicReceiverPrefix) {
		return errors.NewValidationError("nickname",
			fmt.Sprintf("must not start with %q", constants.TopicReceiverPrefix))
	}

	return nil
}

// ValidateHost accepts an IP literal or a DNS-style hostname.
func ValidateHost(host string) error {
	if host == "" {
		return errors.NewValidationError("host", "cannot be empty")
	}

	if net.ParseIP(host) != nil {
		return nil
	}

	if len(host) > 253 {
		return errors.NewValidationError("host", "too long (max 253 characters)")
	}

	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return errors.NewValidationError("host", fmt.Sprintf("invalid hostname %q", host))
		}
		for _, r := range label {
			if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-') {
				return errors.NewValidationError("host", fmt.Sprintf("invalid hostname %q", host))
			}
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return errors.NewValidationError("host", fmt.Sprintf("invalid hostname %q", host))
		}
	}

	return nil
}

// ValidatePort checks a port to dial. Port 0 is only meaningful for binding,
// see ValidateListenPort.
func ValidatePort(port int) error {
	return ValidateNumericRange(port, "port", 1, 65535)
}

// ValidateListenPort allows 0, meaning any free port.
func ValidateListenPort(port int) error {
	return ValidateNumericRange(port, "port", 0, 65535)
}

// ValidateTarget validates the address a message is sent to.
func ValidateTarget(target models.Target) error {
	if err := ValidateHost(target.Host); err != nil {
		return err
	}
	return ValidatePort(target.Port)
}

// ValidateMessageBody rejects empty and oversized bodies and NUL bytes.
func ValidateMessageBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return errors.NewValidationError("message", "cannot be empty")
	}

	if utf8.RuneCountInString(body) > constants.DefaultMaxMessageLength {
		return errors.NewValidationError("message",
			fmt.Sprintf("too long (max %d characters)", constants.DefaultMaxMessageLength))
	}

	if strings.ContainsRune(body, '\x00') {
		return errors.NewValidationError("message", "contains invalid characters")
	}

	return nil
}

// ValidateTopic checks a pub/sub topic name.
func ValidateTopic(topic string) error {
	if topic == "" {
		return errors.NewValidationError("topic", "cannot be empty")
	}

	if err := ValidateStringLength(topic, "topic", 1, constants.DefaultMaxTopicLength); err != nil {
		return err
	}

	for _, r := range topic {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) || r == '*' || r == '?' || r == '[' {
			return errors.NewValidationError("topic", "must not contain whitespace, control or pattern characters")
		}
	}

	return nil
}

// ParseScheduleTime parses a "YYYY-MM-DD HH:MM:SS" time in loc.
func ParseScheduleTime(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}

	t, err := time.ParseInLocation(constants.ScheduleTimeLayout, strings.TrimSpace(value), loc)
	if err != nil {
		return time.Time{}, errors.NewValidationError("schedule time",
			fmt.Sprintf("%q does not match YYYY-MM-DD HH:MM:SS", value))
	}
	return t, nil
}

// ValidateStringLength validates string length against bounds
func ValidateStringLength(value, fieldName string, minLength, maxLength int) error {
	n := utf8.RuneCountInString(value)
	if n < minLength {
		return errors.NewValidationError(fieldName, fmt.Sprintf("too short (min %d characters)", minLength))
	}

	if n > maxLength {
		return errors.NewValidationError(fieldName, fmt.Sprintf("too long (max %d characters)", maxLength))
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.NewValidationError(fieldName, fmt.Sprintf("too small (min %d)", min))
	}

	if value > max {
		return errors.NewValidationError(fieldName, fmt.Sprintf("too large (max %d)", max))
	}

	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	if timeoutSec < 1 {
		return errors.NewValidationError(fieldName, "must be at least 1 second")
	}

	if timeoutSec > 3600 {
		return errors.NewValidationError(fieldName, "too large (max 3600 seconds)")
	}

	return nil
}
