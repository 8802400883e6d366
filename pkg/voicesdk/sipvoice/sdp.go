package sipvoice

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
)

// Направления медиа потока (RFC 3264)
const (
	dirSendRecv = "sendrecv"
	dirSendOnly = "sendonly"
	dirRecvOnly = "recvonly"
	dirInactive = "inactive"
)

const (
	payloadPCMU = 0
	payloadDTMF = 101

	contentTypeSDP  = "application/sdp"
	contentTypeDTMF = "application/dtmf-relay"
)

// buildSDP формирует описание одного аудио потока PCMU с telephone-event
func buildSDP(host string, port int, direction string) ([]byte, error) {
	now := uint64(time.Now().Unix())
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: sdp.SessionName("callbridge"),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(payloadPCMU), strconv.Itoa(payloadDTMF)},
		},
	}
	audio.Attributes = []sdp.Attribute{
		sdp.NewAttribute("rtpmap", fmt.Sprintf("%d PCMU/8000", payloadPCMU)),
		sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/8000", payloadDTMF)),
		sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-16", payloadDTMF)),
		sdp.NewAttribute("ptime", "20"),
		sdp.NewPropertyAttribute(direction),
	}
	sd.MediaDescriptions = []*sdp.MediaDescription{audio}

	return sd.Marshal()
}

// parseDirection направление аудио потока из тела SDP; sendrecv, если не указано
func parseDirection(body []byte) (string, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return "", fmt.Errorf("разбор SDP: %w", err)
	}
	dir := dirSendRecv
	for _, attr := range sd.Attributes {
		if isDirection(attr.Key) {
			dir = attr.Key
		}
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		for _, attr := range md.Attributes {
			if isDirection(attr.Key) {
				return attr.Key, nil
			}
		}
	}
	return dir, nil
}

func isDirection(key string) bool {
	switch key {
	case dirSendRecv, dirSendOnly, dirRecvOnly, dirInactive:
		return true
	}
	return false
}

// answerDirection направление ответа на предложение
func answerDirection(offer string) string {
	switch offer {
	case dirSendOnly:
		return dirRecvOnly
	case dirRecvOnly:
		return dirSendOnly
	case dirInactive:
		return dirInactive
	}
	return dirSendRecv
}

// holdDirection направление, которое предлагает сторона, ставящая звонок на удержание
func holdDirection(onHold bool) string {
	if onHold {
		return dirSendOnly
	}
	return dirSendRecv
}

// dtmfRelayBody тело INFO для одной цифры
func dtmfRelayBody(digit rune) []byte {
	return []byte(fmt.Sprintf("Signal=%c\r\nDuration=160\r\n", digit))
}

func validDigit(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r == '*' || r == '#':
		return true
	case r >= 'A' && r <= 'D':
		return true
	}
	return false
}
