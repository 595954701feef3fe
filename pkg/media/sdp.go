package media

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// SDPConfig - параметры генератора SDP.
type SDPConfig struct {
	// Address - адрес, публикуемый в c= и o=.
	Address string
	// Port - порт аудио в m=.
	Port int
	// SessionName для s=. Пустое - "sipua".
	SessionName string
	// PayloadTypes - предлагаемые статические payload типы.
	// Пустой список - {0, 8} (PCMU, PCMA).
	PayloadTypes []uint8
}

// SDPHandler - минимальный Handler поверх pion/sdp: строит G.711
// offer/answer и хранит удалённое описание. Реального медиапотока не
// создаёт; подходит для сигнальных тестов и как каркас для полного
// медиа-движка.
type SDPHandler struct {
	mu     sync.Mutex
	config SDPConfig

	sessionID uint64
	version   uint64

	remote *sdp.SessionDescription
	closed bool
}

var payloadNames = map[uint8]string{
	0: "PCMU/8000",
	8: "PCMA/8000",
}

// NewSDPHandler создаёт обработчик с указанной конфигурацией.
func NewSDPHandler(config SDPConfig) *SDPHandler {
	if config.Address == "" {
		config.Address = "127.0.0.1"
	}
	if config.Port == 0 {
		config.Port = 4000
	}
	if config.SessionName == "" {
		config.SessionName = "sipua"
	}
	if len(config.PayloadTypes) == 0 {
		config.PayloadTypes = []uint8{0, 8}
	}
	return &SDPHandler{
		config:    config,
		sessionID: rand.Uint64() >> 1,
	}
}

// CreateOffer собирает аудио offer с настроенными кодеками.
func (h *SDPHandler) CreateOffer(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("handler is closed")
	}
	h.version++
	desc := h.buildSession(h.config.PayloadTypes)
	return desc.Marshal()
}

// CreateAnswer отвечает первым общим payload типом из удалённого offer.
func (h *SDPHandler) CreateAnswer(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("handler is closed")
	}
	if h.remote == nil {
		// answer без offer: отдаём полный список, пир выберет сам
		h.version++
		desc := h.buildSession(h.config.PayloadTypes)
		return desc.Marshal()
	}

	pt, err := h.selectPayload(h.remote)
	if err != nil {
		return nil, err
	}
	h.version++
	desc := h.buildSession([]uint8{pt})
	return desc.Marshal()
}

// SetRemoteDescription парсит и валидирует SDP удалённой стороны.
func (h *SDPHandler) SetRemoteDescription(body []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("handler is closed")
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return errors.Wrap(err, "parse remote SDP")
	}
	if _, err := h.selectPayload(&desc); err != nil {
		return err
	}
	h.remote = &desc
	return nil
}

// Remote возвращает последнее принятое удалённое описание.
func (h *SDPHandler) Remote() *sdp.SessionDescription {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remote
}

// Close помечает обработчик закрытым.
func (h *SDPHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// selectPayload ищет первый общий аудио payload тип.
func (h *SDPHandler) selectPayload(desc *sdp.SessionDescription) (uint8, error) {
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		for _, want := range h.config.PayloadTypes {
			for _, f := range m.MediaName.Formats {
				if f == strconv.Itoa(int(want)) {
					return want, nil
				}
			}
		}
	}
	return 0, errors.New("no compatible audio payload type")
}

func (h *SDPHandler) buildSession(types []uint8) *sdp.SessionDescription {
	formats := make([]string, 0, len(types))
	attrs := make([]sdp.Attribute, 0, len(types)+2)
	for _, pt := range types {
		formats = append(formats, strconv.Itoa(int(pt)))
		if name, ok := payloadNames[pt]; ok {
			attrs = append(attrs, sdp.Attribute{
				Key:   "rtpmap",
				Value: fmt.Sprintf("%d %s", pt, name),
			})
		}
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)

	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      h.sessionID,
			SessionVersion: h.sessionID + h.version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: h.config.Address,
		},
		SessionName: sdp.SessionName(h.config.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: h.config.Address},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: h.config.Port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}
}
