package ua

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Расширения, которые ядро объявляет в Supported.
// tdialog - RFC 4538, timer - RFC 4028, replaces - RFC 3891,
// norefersub - RFC 4488.
var supportedExtensions = []string{"replaces", "timer", "tdialog", "norefersub"}

// Методы, которые ядро принимает и объявляет в Allow.
var allowedMethods = []sip.RequestMethod{
	sip.INVITE, sip.ACK, sip.BYE, sip.CANCEL, sip.UPDATE,
	sip.INFO, sip.MESSAGE, sip.REFER, sip.NOTIFY, sip.SUBSCRIBE,
}

func allowHeaderValue() string {
	methods := make([]string, len(allowedMethods))
	for i, m := range allowedMethods {
		methods[i] = string(m)
	}
	return strings.Join(methods, ", ")
}

func supportedHeaderValue() string {
	return strings.Join(supportedExtensions, ", ")
}

// addCoreHeaders добавляет Allow/Supported к исходящему запросу.
func addCoreHeaders(req *sip.Request) {
	req.AppendHeader(sip.NewHeader("Allow", allowHeaderValue()))
	req.AppendHeader(sip.NewHeader("Supported", supportedHeaderValue()))
}

// parseAllow разбирает Allow заголовок пира в множество методов.
func parseAllow(value string) map[sip.RequestMethod]bool {
	out := make(map[sip.RequestMethod]bool)
	for _, m := range strings.Split(value, ",") {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m != "" {
			out[sip.RequestMethod(m)] = true
		}
	}
	return out
}

// sessionExpiresValue - разобранный Session-Expires (RFC 4028 §4).
type sessionExpiresValue struct {
	Interval  int    // секунды
	Refresher string // "", "uac" или "uas"
}

// parseSessionExpires разбирает "1800;refresher=uac".
func parseSessionExpires(value string) (sessionExpiresValue, error) {
	var se sessionExpiresValue
	parts := strings.Split(value, ";")
	iv, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return se, errors.Errorf("bad Session-Expires value: %q", value)
	}
	se.Interval = iv
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(k, "refresher") {
			se.Refresher = strings.ToLower(strings.TrimSpace(v))
		}
	}
	return se, nil
}

// parseMinSE разбирает Min-SE в секунды.
func parseMinSE(value string) (int, error) {
	iv, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, errors.Errorf("bad Min-SE value: %q", value)
	}
	return iv, nil
}

// subscriptionStateValue - разобранный Subscription-State (RFC 6665).
type subscriptionStateValue struct {
	State   string // active, pending, terminated
	Expires int    // -1, если не задан
	Reason  string
}

func parseSubscriptionState(value string) (subscriptionStateValue, error) {
	ss := subscriptionStateValue{Expires: -1}
	parts := strings.Split(value, ";")
	ss.State = strings.ToLower(strings.TrimSpace(parts[0]))
	if ss.State == "" {
		return ss, errors.New("empty Subscription-State")
	}
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		switch strings.ToLower(k) {
		case "expires":
			if iv, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				ss.Expires = iv
			}
		case "reason":
			ss.Reason = strings.TrimSpace(v)
		}
	}
	return ss, nil
}

// targetDialogValue - разобранный Target-Dialog (RFC 4538).
// Теги даны с точки зрения отправителя запроса.
type targetDialogValue struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func parseTargetDialog(value string) (targetDialogValue, error) {
	var td targetDialogValue
	parts := strings.Split(value, ";")
	td.CallID = strings.TrimSpace(parts[0])
	if td.CallID == "" {
		return td, errors.New("empty Target-Dialog call-id")
	}
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		switch strings.ToLower(k) {
		case "local-tag":
			td.LocalTag = strings.TrimSpace(v)
		case "remote-tag":
			td.RemoteTag = strings.TrimSpace(v)
		}
	}
	if td.LocalTag == "" || td.RemoteTag == "" {
		return td, errors.New("Target-Dialog without tags")
	}
	return td, nil
}

// sessionExpiresHeader собирает значение Session-Expires.
func sessionExpiresHeader(interval int, refresher string) string {
	if refresher == "" {
		return strconv.Itoa(interval)
	}
	return fmt.Sprintf("%d;refresher=%s", interval, refresher)
}

// reasonHeaderValue собирает Reason заголовок (RFC 3326),
// например `SIP;cause=408;text="Session Timer"`.
func reasonHeaderValue(cause int, text string) string {
	return fmt.Sprintf("SIP;cause=%d;text=%q", cause, text)
}

// parseEventID возвращает значение id из Event заголовка
// ("refer;id=1234" -> "1234").
func parseEventID(value string) (event, id string) {
	parts := strings.Split(value, ";")
	event = strings.ToLower(strings.TrimSpace(parts[0]))
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(k, "id") {
			id = strings.TrimSpace(v)
		}
	}
	return event, id
}

// extractURIFromHeaderValue извлекает URI из значения адресного заголовка
// (From, To, Contact, Refer-To). Понимает форму <uri> и голый uri;
// embedded-заголовки после "?" отбрасываются.
func extractURIFromHeaderValue(value string) *sip.Uri {
	uriStr := value
	if start := strings.IndexByte(value, '<'); start != -1 {
		if end := strings.IndexByte(value[start:], '>'); end != -1 {
			uriStr = value[start+1 : start+end]
		}
	} else if i := strings.IndexByte(uriStr, ';'); i != -1 {
		// голый URI: параметры после ';' принадлежат заголовку
		uriStr = uriStr[:i]
	}
	if i := strings.IndexByte(uriStr, '?'); i != -1 {
		uriStr = uriStr[:i]
	}
	var uri sip.Uri
	if err := sip.ParseUri(strings.TrimSpace(uriStr), &uri); err != nil {
		return nil
	}
	return &uri
}

// generateTag возвращает новый локальный тег диалога.
func generateTag() string {
	return uuid.NewString()[:8]
}

// generateCallID возвращает новый Call-ID.
func generateCallID() string {
	return uuid.NewString()
}

// retryAfterValue - случайное значение Retry-After 1..10 для 500 при
// конфликте модификаторов (RFC 3261 §14.2, RFC 3311 §5.2).
func retryAfterValue() string {
	return strconv.Itoa(1 + rand.Intn(10))
}
