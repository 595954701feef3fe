package ua

// Cause описывает причину завершения сущности (сессии, REFER, MESSAGE).
// Словарь фиксирован: приложение может надёжно матчиться по значениям.
type Cause string

const (
	CauseCanceled             Cause = "CANCELED"
	CauseRejected             Cause = "REJECTED"
	CauseBye                  Cause = "BYE"
	CauseNoACK                Cause = "NO_ACK"
	CauseNoAnswer             Cause = "NO_ANSWER"
	CauseExpires              Cause = "EXPIRES"
	CauseRequestTimeout       Cause = "REQUEST_TIMEOUT"
	CauseConnectionError      Cause = "CONNECTION_ERROR"
	CauseBadMediaDescription  Cause = "BAD_MEDIA_DESCRIPTION"
	CauseInvalidTarget        Cause = "INVALID_TARGET"
	CauseInvalidReferToTarget Cause = "INVALID_REFER_TO_TARGET"
	CauseUserDeniedMedia      Cause = "USER_DENIED_MEDIA_ACCESS"
	CauseWebRTCError          Cause = "WEBRTC_ERROR"
	CauseInternalError        Cause = "INTERNAL_ERROR"
	CauseSessionTimer         Cause = "SESSION_TIMER"
	CauseNotFound             Cause = "NOT_FOUND"
	CauseUnavailable          Cause = "UNAVAILABLE"
	CauseAddressIncomplete    Cause = "ADDRESS_INCOMPLETE"
	CauseIncompatibleSDP      Cause = "INCOMPATIBLE_SDP"
	CauseBusy                 Cause = "BUSY"
)

// causeForStatus отображает финальный код ответа в Cause.
// Используется при обработке >=300 на INVITE/MESSAGE/REFER.
func causeForStatus(code int) Cause {
	switch code {
	case 486, 600:
		return CauseBusy
	case 404:
		return CauseNotFound
	case 408, 504:
		return CauseRequestTimeout
	case 410, 430, 480:
		return CauseUnavailable
	case 484:
		return CauseAddressIncomplete
	case 488, 606:
		return CauseIncompatibleSDP
	case 403, 603:
		return CauseRejected
	case 487:
		return CauseCanceled
	}
	if code >= 300 {
		return CauseRejected
	}
	return CauseInternalError
}
