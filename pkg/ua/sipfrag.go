package ua

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SipfragStatus - статусная строка из тела message/sipfrag (RFC 3420).
// Подписка REFER хранит последний NOTIFY именно в разобранном виде и
// сериализует его только при отправке.
type SipfragStatus struct {
	Code   int
	Reason string
}

// ParseSipfrag разбирает первую строку тела NOTIFY.
// Формат: "SIP/2.0 200 OK".
func ParseSipfrag(body []byte) (SipfragStatus, error) {
	if len(body) == 0 {
		return SipfragStatus{}, errors.New("empty sipfrag body")
	}
	firstLine, _, _ := strings.Cut(string(body), "\n")
	firstLine = strings.TrimRight(firstLine, "\r")
	parts := strings.SplitN(firstLine, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "SIP/") {
		return SipfragStatus{}, errors.Errorf("malformed sipfrag status line: %q", firstLine)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 699 {
		return SipfragStatus{}, errors.Errorf("bad sipfrag status code: %q", parts[1])
	}
	st := SipfragStatus{Code: code}
	if len(parts) == 3 {
		st.Reason = strings.TrimSpace(parts[2])
	}
	return st, nil
}

// Bytes сериализует статус в тело message/sipfrag.
func (s SipfragStatus) Bytes() []byte {
	reason := s.Reason
	if reason == "" {
		reason = defaultReason(s.Code)
	}
	return []byte(fmt.Sprintf("SIP/2.0 %d %s\r\n", s.Code, reason))
}

// sessionEvent классифицирует статус для события notify:
// progress (<200), started (<300), failed (>=300).
func (s SipfragStatus) sessionEvent() string {
	switch {
	case s.Code < 200:
		return "progress"
	case s.Code < 300:
		return "started"
	default:
		return "failed"
	}
}

// defaultReason - reason phrase для кодов, которые ядро синтезирует само.
func defaultReason(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 200:
		return "OK"
	case 202:
		return "Accepted"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 405:
		return "Method Not Allowed"
	case 415:
		return "Unsupported Media Type"
	case 480:
		return "Temporarily Unavailable"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 489:
		return "Bad Event"
	case 491:
		return "Request Pending"
	case 500:
		return "Internal Server Error"
	case 603:
		return "Decline"
	default:
		return "Unknown"
	}
}
