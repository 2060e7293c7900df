package network

import (
	"fmt"
	"math"
	"strings"
)

// Log-distance constants (suburban LoRa measurements).
const (
	Gamma = 2.08
	D0    = 40.0   // reference distance, m
	LPLD0 = 127.41 // path loss at D0, dB
)

// minDistance keeps the logarithms finite for co-located nodes.
const minDistance = 1.0

// LogDistance is the log-distance path loss model. Frequency and antenna
// heights are ignored.
func LogDistance(distance, _, _, _ float64) float64 {
	d := math.Max(distance, minDistance)
	return LPLD0 + 10*Gamma*math.Log10(d/D0)
}

// FreeSpace is the Friis free-space path loss.
func FreeSpace(distance, freq, _, _ float64) float64 {
	d := math.Max(distance, minDistance)
	return 20*math.Log10(d) + 20*math.Log10(freq) - 147.55
}

// HataSmallCity is the Okumura-Hata model for small and medium cities.
// Antenna heights below one metre are clamped.
func HataSmallCity(distance, freq, txHeight, rxHeight float64) float64 {
	f := freq / 1e6
	hb := math.Max(txHeight, 1)
	hm := math.Max(rxHeight, 1)
	dkm := math.Max(distance, minDistance) / 1000

	ahm := (1.1*math.Log10(f)-0.7)*hm - (1.56*math.Log10(f) - 0.8)
	return 69.55 + 26.16*math.Log10(f) - 13.82*math.Log10(hb) - ahm + (44.9-6.55*math.Log10(hb))*math.Log10(dkm)
}

// ModelByName resolves a configured path loss model.
func ModelByName(name string) (PathLossModel, error) {
	switch strings.ToLower(name) {
	case "", "log_distance", "logdistance":
		return LogDistance, nil
	case "free_space", "freespace":
		return FreeSpace, nil
	case "hata", "hata_small_city":
		return HataSmallCity, nil
	default:
		return nil, fmt.Errorf("unknown path loss model %q", name)
	}
}

// Modem is a LoRa modem preset.
type Modem struct {
	SF          int
	Bandwidth   float64 // Hz
	Sensitivity float64 // dBm
}

// Modems lists the firmware presets by name.
var Modems = map[string]Modem{
	"SHORT_FAST":     {SF: 7, Bandwidth: 250e3, Sensitivity: -121.5},
	"SHORT_SLOW":     {SF: 8, Bandwidth: 250e3, Sensitivity: -124.0},
	"MEDIUM_FAST":    {SF: 9, Bandwidth: 250e3, Sensitivity: -126.5},
	"MEDIUM_SLOW":    {SF: 10, Bandwidth: 250e3, Sensitivity: -129.0},
	"LONG_FAST":      {SF: 11, Bandwidth: 250e3, Sensitivity: -131.5},
	"LONG_MODERATE":  {SF: 11, Bandwidth: 125e3, Sensitivity: -134.5},
	"LONG_SLOW":      {SF: 12, Bandwidth: 125e3, Sensitivity: -137.0},
	"VERY_LONG_SLOW": {SF: 12, Bandwidth: 62.5e3, Sensitivity: -140.0},
}

// NoiseFloor is the thermal noise over bw Hz plus a 6 dB receiver noise
// figure.
func NoiseFloor(bw float64) float64 {
	return -174 + 10*math.Log10(bw) + 6
}

// ParamsFor builds Params for a named modem preset.
func ParamsFor(modem string, txPower, freq float64) (Params, error) {
	m, ok := Modems[strings.ToUpper(modem)]
	if !ok {
		return Params{}, fmt.Errorf("unknown modem preset %q", modem)
	}
	return Params{
		TxPower:     txPower,
		Frequency:   freq,
		NoiseFloor:  NoiseFloor(m.Bandwidth),
		Sensitivity: m.Sensitivity,
	}, nil
}
