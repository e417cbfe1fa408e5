package domain

type QualityLevel string

const (
	QualityExcellent    QualityLevel = "excellent"
	QualityGood         QualityLevel = "good"
	QualityFair         QualityLevel = "fair"
	QualityPoor         QualityLevel = "poor"
	QualityDisconnected QualityLevel = "disconnected"
)

// ConnectionQuality is derived from one stats sample. Never stored.
type ConnectionQuality struct {
	Level         QualityLevel `json:"level"`
	LatencyMs     float64      `json:"latency_ms"`
	PacketLossPct float64      `json:"packet_loss_pct"`
	BitrateKBps   float64      `json:"bitrate_kbps"`
}

func Disconnected() ConnectionQuality {
	return ConnectionQuality{Level: QualityDisconnected}
}

// Classify checks thresholds worst first; the first match wins.
func Classify(latencyMs, packetLossPct float64) QualityLevel {
	switch {
	case latencyMs > 300 || packetLossPct > 5:
		return QualityPoor
	case latencyMs > 200 || packetLossPct > 3:
		return QualityFair
	case latencyMs > 100 || packetLossPct > 1:
		return QualityGood
	default:
		return QualityExcellent
	}
}

// Recovered reports whether reconnection attempts may be forgotten.
func (l QualityLevel) Recovered() bool {
	return l == QualityExcellent || l == QualityGood
}
