// Package googlemaps implements the rectifier's HTTPS geolocation
// lookaside backend against Google's Geolocation API. Unlike the rest of
// the domain stack, this one deliberately stays on net/http and
// encoding/json alone: the API is an out-of-scope external collaborator
// per the specification, and no repo in this corpus carries a client
// library for it, so there is nothing to adopt (see DESIGN.md).
package googlemaps

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"tracksrv/internal/protocol"
)

const geolocateURL = "https://www.googleapis.com/geolocation/v1/geolocate"

// Backend reads its API token from a file (never from config directly,
// matching the reference implementation's accesstoken-file convention)
// and issues one POST per Lookup call.
type Backend struct {
	tokenPath string
	token     string
	client    *http.Client
}

func New(tokenPath string) *Backend {
	return &Backend{tokenPath: tokenPath, client: &http.Client{Timeout: 10 * time.Second}}
}

func (b *Backend) Init() error {
	raw, err := os.ReadFile(b.tokenPath)
	if err != nil {
		return fmt.Errorf("googlemaps: reading access token: %w", err)
	}
	b.token = strings.TrimSpace(string(raw))
	return nil
}

func (b *Backend) Shut() error { return nil }

type cellTower struct {
	LocationAreaCode int `json:"locationAreaCode"`
	CellID           int `json:"cellId"`
	SignalStrength   int `json:"signalStrength"`
}

type wifiAccessPoint struct {
	MACAddress     string `json:"macAddress"`
	SignalStrength int    `json:"signalStrength"`
}

type geolocateRequest struct {
	HomeMobileCountryCode int               `json:"homeMobileCountryCode"`
	HomeMobileNetworkCode int               `json:"homeMobileNetworkCode"`
	RadioType             string            `json:"radioType"`
	ConsiderIP            bool              `json:"considerIp"`
	CellTowers            []cellTower       `json:"cellTowers,omitempty"`
	WifiAccessPoints      []wifiAccessPoint `json:"wifiAccessPoints,omitempty"`
}

type geolocateResponse struct {
	Location *struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"location"`
	Accuracy float64 `json:"accuracy"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Lookup POSTs the observed cells/APs to the Geolocation API and returns
// the resolved coordinates and the accuracy radius it reports.
func (b *Backend) Lookup(mcc, mnc int, cells []protocol.GSMCell, aps []protocol.WifiAP) (lat, lon, accuracy float64, err error) {
	reqBody := geolocateRequest{
		HomeMobileCountryCode: mcc,
		HomeMobileNetworkCode: mnc,
		RadioType:             "gsm",
		ConsiderIP:            false,
	}
	for _, c := range cells {
		reqBody.CellTowers = append(reqBody.CellTowers, cellTower{
			LocationAreaCode: c.Area, CellID: c.Cell, SignalStrength: c.RSSI,
		})
	}
	for _, a := range aps {
		reqBody.WifiAccessPoints = append(reqBody.WifiAccessPoints, wifiAccessPoint{
			MACAddress: a.MAC, SignalStrength: a.RSSI,
		})
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("googlemaps: encoding request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, geolocateURL+"?key="+b.token, bytes.NewReader(body))
	if err != nil {
		return 0, 0, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("googlemaps: request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("googlemaps: reading response: %w", err)
	}

	var parsed geolocateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return 0, 0, 0, fmt.Errorf("googlemaps: decoding response: %w", err)
	}
	if parsed.Location == nil {
		msg := "no location in response"
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return 0, 0, 0, fmt.Errorf("googlemaps: %s", msg)
	}
	return parsed.Location.Lat, parsed.Location.Lng, parsed.Accuracy, nil
}
