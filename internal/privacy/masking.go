package privacy

import (
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"peerchat/internal/constants"
)

// MaskNickname keeps the first few characters of a nickname.
// Example: "alice" -> "al***"
func MaskNickname(name string) string {
	if name == "" {
		return ""
	}

	keep := constants.DefaultNameMaskKeep
	runes := []rune(name)
	if len(runes) <= keep {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:keep]) + strings.Repeat("*", len(runes)-keep)
}

// MaskBody replaces a message body with its length.
// Example: "hello there" -> "[11 chars]"
func MaskBody(body string) string {
	if body == "" {
		return ""
	}
	return fmt.Sprintf("[%d chars]", utf8.RuneCountInString(body))
}

// MaskAddress hides the host part of a host:port address except the last
// dotted segment. Example: "192.168.1.20:5000" -> "***.***.***.20:5000"
func MaskAddress(addr string) string {
	if addr == "" {
		return ""
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return maskString(addr, 4)
	}

	var masked string
	if parts := strings.Split(host, "."); len(parts) > 1 {
		for i := range parts[:len(parts)-1] {
			parts[i] = strings.Repeat("*", 3)
		}
		masked = strings.Join(parts, ".")
	} else {
		masked = maskString(host, 4)
	}
	return net.JoinHostPort(masked, port)
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	runes := []rune(s)
	if len(runes) <= keepLast {
		return strings.Repeat("*", len(runes))
	}
	return strings.Repeat("*", len(runes)-keepLast) + string(runes[len(runes)-keepLast:])
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}

		switch k {
		case "sender", "receiver", "peer", "nickname", "from":
			masked[k] = MaskNickname(s)
		case "message", "body":
			masked[k] = MaskBody(s)
		case "target", "address", "remote_addr":
			masked[k] = MaskAddress(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
