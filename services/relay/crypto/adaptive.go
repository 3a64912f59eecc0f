// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crypto

import (
	"time"
)

// =============================================================================
// SEC-052: Threat Levels and Protocols
// =============================================================================

// Protocol names an encryption protocol the relay can advise, ordered by
// strength.
type Protocol string

const (
	ProtocolAES128GCM         Protocol = "aes128_gcm"
	ProtocolAES256GCM         Protocol = "aes256_gcm"
	ProtocolChaCha20Poly1305  Protocol = "chacha20_poly1305"
	ProtocolHybridPQCAES256   Protocol = "hybrid_pqc_aes256"
	ProtocolHybridPQCChaCha20 Protocol = "hybrid_pqc_chacha20"
	ProtocolFullPQC           Protocol = "full_pqc"
)

// ThreatLevel is the band a risk score falls into. Risk is higher-is-safer,
// so low risk scores mean high threat.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

const (
	threatLowFloor    = 70
	threatMediumFloor = 50
	threatHighFloor   = 30
)

// AssessThreatLevel maps a 0..100 risk score (higher = safer) to its threat
// band.
func AssessThreatLevel(risk int) ThreatLevel {
	switch {
	case risk >= threatLowFloor:
		return ThreatLow
	case risk >= threatMediumFloor:
		return ThreatMedium
	case risk >= threatHighFloor:
		return ThreatHigh
	default:
		return ThreatCritical
	}
}

var protocolByThreat = map[ThreatLevel]Protocol{
	ThreatLow:      ProtocolAES256GCM,
	ThreatMedium:   ProtocolChaCha20Poly1305,
	ThreatHigh:     ProtocolHybridPQCAES256,
	ThreatCritical: ProtocolFullPQC,
}

var strengthByProtocol = map[Protocol]string{
	ProtocolAES128GCM:         "Standard Military",
	ProtocolAES256GCM:         "High Security",
	ProtocolChaCha20Poly1305:  "Modern Stream",
	ProtocolHybridPQCAES256:   "Post-Quantum Hybrid",
	ProtocolHybridPQCChaCha20: "Post-Quantum Modern",
	ProtocolFullPQC:           "Full Post-Quantum",
}

// rotationByThreat is the advised rekey interval in seconds per threat band.
var rotationByThreat = map[ThreatLevel]int{
	ThreatLow:      3600,
	ThreatMedium:   1800,
	ThreatHigh:     600,
	ThreatCritical: 300,
}

// =============================================================================
// SEC-053: Protocol Advice
// =============================================================================

// Capability describes what a client can negotiate.
type Capability struct {
	Protocols      []Protocol `json:"protocols"`
	MaxKeySize     int        `json:"max_key_size"`
	SupportsPQC    bool       `json:"supports_pqc"`
	SupportsHybrid bool       `json:"supports_hybrid"`
}

// DefaultCapability is the assumption for clients that declare nothing:
// AES-256 only, no post-quantum support.
func DefaultCapability() Capability {
	return Capability{
		Protocols:  []Protocol{ProtocolAES256GCM},
		MaxKeySize: 256,
	}
}

func (c Capability) supports(p Protocol) bool {
	for _, have := range c.Protocols {
		if have == p {
			return true
		}
	}
	return false
}

// Recommendation is the advised protocol for one risk assessment.
type Recommendation struct {
	RecommendedProtocol Protocol    `json:"recommended_protocol"`
	ThreatLevel         ThreatLevel `json:"threat_level"`
	RiskScore           int         `json:"risk_score"`
	CryptoStrength      string      `json:"crypto_strength"`
	PQCRequired         bool        `json:"pqc_required"`
	KeyRotationSeconds  int         `json:"key_rotation_interval"`
	Timestamp           int64       `json:"timestamp"`
}

// Recommend advises an encryption protocol for the given risk score, degraded
// to the strongest protocol the client's capabilities actually cover.
//
// # Description
//
// The threat band picks the ideal protocol (low -> AES-256-GCM, medium ->
// ChaCha20-Poly1305, high -> hybrid PQC, critical -> full PQC). When the
// client cannot negotiate the ideal, the fallback prefers any post-quantum
// option the client supports before degrading through ChaCha20 and AES.
// Post-quantum is mandatory at high and critical threat regardless of which
// protocol is ultimately selected, so a non-PQC client at those levels knows
// it must upgrade.
func Recommend(risk int, caps Capability) Recommendation {
	threat := AssessThreatLevel(risk)
	selected := protocolByThreat[threat]
	if !caps.supports(selected) {
		selected = bestAvailable(threat, caps)
	}
	return Recommendation{
		RecommendedProtocol: selected,
		ThreatLevel:         threat,
		RiskScore:           risk,
		CryptoStrength:      strengthByProtocol[selected],
		PQCRequired:         threat == ThreatHigh || threat == ThreatCritical,
		KeyRotationSeconds:  rotationByThreat[threat],
		Timestamp:           time.Now().Unix(),
	}
}

func bestAvailable(threat ThreatLevel, caps Capability) Protocol {
	switch {
	case threat == ThreatCritical && caps.SupportsPQC:
		return ProtocolHybridPQCAES256
	case threat == ThreatHigh && caps.SupportsHybrid:
		return ProtocolHybridPQCAES256
	case caps.supports(ProtocolChaCha20Poly1305):
		return ProtocolChaCha20Poly1305
	case caps.supports(ProtocolAES256GCM):
		return ProtocolAES256GCM
	default:
		return ProtocolAES128GCM
	}
}
