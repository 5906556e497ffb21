// Package qrcap holds QR code character capacity tables and sizing advice
// for payloads that will later be hidden in a cover image.
package qrcap

import (
	"fmt"
	"math"
	"strings"
)

// Level is a QR error correction level.
type Level string

const (
	L Level = "L"
	M Level = "M"
	Q Level = "Q"
	H Level = "H"
)

// Levels lists all error correction levels from weakest to strongest.
var Levels = []Level{L, M, Q, H}

// ParseLevel accepts L, M, Q or H in any case.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToUpper(strings.TrimSpace(s))); l {
	case L, M, Q, H:
		return l, nil
	}
	return "", fmt.Errorf("error correction must be L, M, Q or H, got %q", s)
}

// RecoveryPercent is the share of codewords each level can restore.
func (l Level) RecoveryPercent() int {
	switch l {
	case L:
		return 7
	case M:
		return 15
	case Q:
		return 25
	case H:
		return 30
	}
	return 0
}

func (l Level) index() int {
	switch l {
	case L:
		return 0
	case M:
		return 1
	case Q:
		return 2
	case H:
		return 3
	}
	return -1
}

// Mode is a QR data encoding mode.
type Mode string

const (
	Numeric      Mode = "numeric"
	Alphanumeric Mode = "alphanumeric"
	Byte         Mode = "byte"
)

// MaxVersion is the highest version covered by the tables.
const MaxVersion = 10

// MaxByteCapacity is the byte-mode capacity of a version 40 symbol at each
// level. Envelope packing uses the M entry as its default ceiling.
var MaxByteCapacity = map[Level]int{L: 2953, M: 2331, Q: 1663, H: 1273}

// capacity[mode][version-1][level]
var capacity = map[Mode][MaxVersion][4]int{
	Numeric: {
		{41, 34, 27, 17},
		{77, 63, 48, 34},
		{127, 101, 77, 58},
		{187, 149, 111, 82},
		{255, 202, 144, 106},
		{322, 255, 178, 139},
		{370, 293, 207, 154},
		{461, 365, 259, 202},
		{552, 432, 312, 235},
		{652, 513, 364, 288},
	},
	Alphanumeric: {
		{25, 20, 16, 10},
		{47, 38, 29, 20},
		{77, 61, 47, 35},
		{114, 90, 67, 50},
		{154, 122, 87, 64},
		{195, 154, 108, 84},
		{224, 178, 125, 93},
		{279, 221, 157, 122},
		{335, 262, 189, 143},
		{395, 311, 221, 174},
	},
	Byte: {
		{17, 14, 11, 7},
		{32, 26, 20, 14},
		{53, 42, 32, 24},
		{78, 62, 46, 34},
		{106, 84, 60, 44},
		{134, 106, 74, 58},
		{154, 122, 86, 64},
		{192, 152, 108, 84},
		{230, 180, 130, 98},
		{271, 213, 151, 119},
	},
}

const alphanumericSet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ $%*+-./:="

// DetectMode returns the most compact mode able to carry data.
func DetectMode(data string) Mode {
	if data == "" {
		return Byte
	}
	numeric := true
	for _, r := range data {
		if r < '0' || r > '9' {
			numeric = false
			break
		}
	}
	if numeric {
		return Numeric
	}
	for _, r := range strings.ToUpper(data) {
		if !strings.ContainsRune(alphanumericSet, r) {
			return Byte
		}
	}
	return Alphanumeric
}

// Capacity returns how many characters of mode fit in version at level, or
// 0 outside the table.
func Capacity(mode Mode, version int, level Level) int {
	t, ok := capacity[mode]
	if !ok || version < 1 || version > MaxVersion || level.index() < 0 {
		return 0
	}
	return t[version-1][level.index()]
}

// ModuleCount is the side length in modules of a symbol of version.
func ModuleCount(version int) int { return 17 + 4*version }

// MinimumVersion returns the smallest version in 1..MaxVersion that holds
// data at level. ok is false when data needs a larger symbol.
func MinimumVersion(data string, level Level) (version int, ok bool) {
	return minimumVersion(DetectMode(data), len(data), level)
}

func minimumVersion(mode Mode, n int, level Level) (int, bool) {
	for v := 1; v <= MaxVersion; v++ {
		if Capacity(mode, v, level) >= n {
			return v, true
		}
	}
	return 0, false
}

// LevelAnalysis sizes data at one error correction level.
type LevelAnalysis struct {
	MinimumVersion int     `json:"minimum_version,omitempty"`
	Capacity       int     `json:"capacity"`
	UsagePercent   float64 `json:"usage_percent"`
	ModuleCount    int     `json:"module_count,omitempty"`
	Recommended    bool    `json:"recommended"`
}

// StegoAnalysis scores how easily a symbol of the chosen size hides.
type StegoAnalysis struct {
	CompatibilityScore float64  `json:"compatibility_score"`
	Level              string   `json:"level"`
	LengthScore        int      `json:"length_score"`
	SizeScore          int      `json:"size_score"`
	EstimatedPixels    int      `json:"estimated_pixels"`
	Concerns           []string `json:"concerns"`
}

// Requirements is the full sizing report for one payload.
type Requirements struct {
	DataLength         int                     `json:"data_length"`
	DataMode           Mode                    `json:"data_mode"`
	RecommendedVersion int                     `json:"recommended_version"`
	RecommendedLevel   Level                   `json:"recommended_error_correction,omitempty"`
	Levels             map[Level]LevelAnalysis `json:"version_analysis"`
	Steganography      StegoAnalysis           `json:"steganography_analysis"`
	SteganographyReady bool                    `json:"steganography_compatible"`
	Recommendations    []string                `json:"recommendations"`
}

// Analyze sizes data at every level and recommends one.
func Analyze(data string) (Requirements, error) {
	if data == "" {
		return Requirements{}, fmt.Errorf("data must not be empty")
	}
	mode := DetectMode(data)
	n := len(data)
	req := Requirements{DataLength: n, DataMode: mode, Levels: make(map[Level]LevelAnalysis, 4)}

	for _, lvl := range Levels {
		v, ok := minimumVersion(mode, n, lvl)
		if !ok {
			req.Levels[lvl] = LevelAnalysis{UsagePercent: 100}
			continue
		}
		c := Capacity(mode, v, lvl)
		usage := float64(n) / float64(c) * 100
		req.Levels[lvl] = LevelAnalysis{
			MinimumVersion: v,
			Capacity:       c,
			UsagePercent:   round1(usage),
			ModuleCount:    ModuleCount(v),
			Recommended:    usage <= 80,
		}
	}

	req.RecommendedLevel = recommendLevel(req.Levels)
	req.RecommendedVersion = 1
	if req.RecommendedLevel != "" {
		req.RecommendedVersion = req.Levels[req.RecommendedLevel].MinimumVersion
	}
	req.Steganography = stegoScore(n, req.Levels[req.RecommendedLevel].MinimumVersion)
	req.SteganographyReady = req.Steganography.CompatibilityScore >= 70
	req.Recommendations = recommendations(n, req.RecommendedLevel, req.Levels, req.Steganography)
	return req, nil
}

// recommendLevel prefers M, then Q, L and H among levels under 80% usage,
// falling back to whichever level needs the smallest version.
func recommendLevel(levels map[Level]LevelAnalysis) Level {
	for _, lvl := range []Level{M, Q, L, H} {
		if levels[lvl].Recommended {
			return lvl
		}
	}
	var best Level
	bestV := math.MaxInt
	for _, lvl := range Levels {
		if v := levels[lvl].MinimumVersion; v > 0 && v < bestV {
			best, bestV = lvl, v
		}
	}
	return best
}

func stegoScore(n, version int) StegoAnalysis {
	if version == 0 {
		return StegoAnalysis{Level: "Poor", Concerns: []string{"data does not fit a version 1-10 QR code"}}
	}
	side := ModuleCount(version)*10 + 8
	a := StegoAnalysis{EstimatedPixels: side * side, Concerns: []string{}}

	switch {
	case n <= 50:
		a.LengthScore = 90
	case n <= 100:
		a.LengthScore = 75
	case n <= 200:
		a.LengthScore = 60
		a.Concerns = append(a.Concerns, "data is fairly long and may affect embedding quality")
	default:
		a.LengthScore = 30
		a.Concerns = append(a.Concerns, "data is too long for good steganography")
	}
	switch {
	case version <= 3:
		a.SizeScore = 95
	case version <= 5:
		a.SizeScore = 80
	case version <= 7:
		a.SizeScore = 65
		a.Concerns = append(a.Concerns, "medium sized QR code, check the cover image size")
	default:
		a.SizeScore = 40
		a.Concerns = append(a.Concerns, "large QR code, may be hard to hide")
	}

	a.CompatibilityScore = round1(float64(a.LengthScore+a.SizeScore) / 2)
	switch {
	case a.CompatibilityScore >= 85:
		a.Level = "Excellent"
	case a.CompatibilityScore >= 70:
		a.Level = "Good"
	case a.CompatibilityScore >= 50:
		a.Level = "Fair"
	default:
		a.Level = "Poor"
	}
	return a
}

var levelNames = map[Level]string{L: "Low", M: "Medium", Q: "Quartile", H: "High"}

func recommendations(n int, rec Level, levels map[Level]LevelAnalysis, s StegoAnalysis) []string {
	var out []string
	switch {
	case n <= 50:
		out = append(out, "data length is optimal for steganography")
	case n <= 100:
		out = append(out, "data length is acceptable, consider shortening it")
	case n <= 200:
		out = append(out, "consider shortening the data or using abbreviations")
	default:
		out = append(out, "data is too long, shortening it is strongly advised")
	}
	if rec != "" && levels[rec].Recommended {
		out = append(out, fmt.Sprintf("use error correction level %s (%s)", rec, levelNames[rec]))
	}
	switch {
	case s.CompatibilityScore >= 85:
		out = append(out, "well suited to steganography in standard sized images")
	case s.CompatibilityScore >= 70:
		out = append(out, "suitable for steganography, prefer a high resolution cover")
	default:
		out = append(out, "use a large cover image or reduce the data")
	}
	return out
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
