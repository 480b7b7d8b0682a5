package notifier

import "strings"

// MaskEmail keeps the first character of the local part: j***@example.com.
func MaskEmail(address string) string {
	at := strings.LastIndex(address, "@")
	if at <= 0 {
		return "***"
	}
	return address[:1] + "***" + address[at:]
}

// MaskPhone keeps the leading + and the last four digits.
func MaskPhone(number string) string {
	if len(number) <= 4 {
		return strings.Repeat("*", len(number))
	}
	prefix := ""
	body := number
	if strings.HasPrefix(number, "+") {
		prefix = "+"
		body = number[1:]
	}
	if len(body) <= 4 {
		return prefix + strings.Repeat("*", len(body))
	}
	return prefix + strings.Repeat("*", len(body)-4) + body[len(body)-4:]
}
