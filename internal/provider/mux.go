package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/DevoteMe/webhookd/internal/event"
)

const muxSignatureHeader = "Mux-Signature"

// Mux handles the media-pipeline provider.
type Mux struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func NewMux(secret string, tolerance time.Duration) *Mux {
	return &Mux{secret: secret, tolerance: tolerance, now: time.Now}
}

func (m *Mux) Provider() event.Provider { return event.MediaPipeline }

func (m *Mux) Verify(req *Request) error {
	h, err := parseSignedHeader(req.Header.Get(muxSignatureHeader), "v1")
	if err != nil {
		return err
	}
	if err := checkFreshness(h.timestamp, m.now(), m.tolerance); err != nil {
		return err
	}
	mac := hmac.New(sha256.New, []byte(m.secret))
	mac.Write([]byte(strconv.FormatInt(h.timestamp.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(req.Body)
	expected := mac.Sum(nil)

	candidates := make([][]byte, 0, len(h.signatures))
	for _, s := range h.signatures {
		b, err := hex.DecodeString(s)
		if err != nil {
			continue
		}
		candidates = append(candidates, b)
	}
	if !anyEqual(expected, candidates...) {
		return ErrInvalidSignature
	}
	return nil
}

type muxEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		AssetID     string `json:"asset_id"`
		Passthrough string `json:"passthrough"`
		PlaybackIDs []struct {
			ID     string `json:"id"`
			Policy string `json:"policy"`
		} `json:"playback_ids"`
		Errors *struct {
			Type     string   `json:"type"`
			Messages []string `json:"messages"`
		} `json:"errors"`
	} `json:"data"`
}

func (m *Mux) Parse(req *Request) (*event.InboundEvent, error) {
	var me muxEvent
	if err := json.Unmarshal(req.Body, &me); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	ev := &event.InboundEvent{
		ExternalEventID: me.ID,
		EventType:       me.Type,
		Metadata:        event.Metadata{},
	}
	md := ev.Metadata
	// Passthrough carries our media id, either bare or as key:value pairs.
	parseCustomField(md, me.Data.Passthrough)
	if !strings.ContainsAny(me.Data.Passthrough, ":=") {
		md.Set(event.MetaMediaID, me.Data.Passthrough)
	}
	if me.Data.AssetID != "" {
		md.Set(event.MetaAssetID, me.Data.AssetID)
	} else {
		md.Set(event.MetaAssetID, me.Data.ID)
	}
	md.Set(event.MetaStatus, me.Data.Status)
	if len(me.Data.PlaybackIDs) > 0 {
		md.Set(event.MetaPlaybackID, me.Data.PlaybackIDs[0].ID)
	}
	if me.Data.Errors != nil {
		md.Set(event.MetaErrorCode, me.Data.Errors.Type)
		if len(me.Data.Errors.Messages) > 0 {
			md.Set(event.MetaReason, me.Data.Errors.Messages[0])
		}
	}
	return ev, nil
}
