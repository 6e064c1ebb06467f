package media

import (
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
)

// Offered audio formats. The gate opener never consumes media, but many SIP
// servers refuse an INVITE without a syntactically valid audio offer, so we
// advertise the interoperable minimum: G.711 u-law/a-law plus DTMF events.
var offerFormats = []string{"0", "8", "101"}

var offerRtpmaps = map[string]string{
	"0":   "PCMU/8000",
	"8":   "PCMA/8000",
	"101": "telephone-event/8000",
}

// BuildOffer constructs a minimal SDP audio offer originating from addr:port.
func BuildOffer(addr string, port int) ([]byte, error) {
	sessID := uint64(time.Now().Unix())

	attrs := make([]sdp.Attribute, 0, len(offerFormats)+2)
	for _, f := range offerFormats {
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: f + " " + offerRtpmaps[f]})
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "fmtp", Value: "101 0-16"},
		sdp.Attribute{Key: "sendrecv"},
	)

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "gatedial",
			SessionID:      sessID,
			SessionVersion: sessID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "gatedial call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: offerFormats,
				},
				Attributes: attrs,
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling sdp offer: %w", err)
	}
	return body, nil
}

// RemoteEndpoint holds the audio endpoint advertised by the far end.
type RemoteEndpoint struct {
	Address string
	Port    int
	Formats []string
}

// ParseAnswer extracts the remote audio endpoint from an SDP answer.
// The result is only used for diagnostics since no media is exchanged.
func ParseAnswer(body []byte) (*RemoteEndpoint, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp answer: %w", err)
	}

	if len(desc.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("no media descriptions in sdp answer")
	}

	md := desc.MediaDescriptions[0]
	ep := &RemoteEndpoint{
		Port:    md.MediaName.Port.Value,
		Formats: md.MediaName.Formats,
	}

	// Media-level connection overrides the session-level one.
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		ep.Address = md.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		ep.Address = desc.ConnectionInformation.Address.Address
	}

	if ep.Address == "" {
		return nil, fmt.Errorf("no connection address in sdp answer")
	}
	return ep, nil
}
